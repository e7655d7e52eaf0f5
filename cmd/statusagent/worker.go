package main

import (
	"os"

	"github.com/creachadair/jrpc2/channel"
	"github.com/pkg/errors"
	"github.com/radarbase/statusagent"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var flagType string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve the status worker on stdin/stdout (started by run)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagType != statusagent.WorkerType {
				return errors.Errorf("unknown worker type %q", flagType)
			}
			ctx := cmd.Context()
			opts := loadOptions()
			rt, err := statusagent.OpenRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			w := rt.NewWorker()
			log.Info().
				Int("pid", os.Getpid()).
				Str("socket", opts.BusSocket).
				Str("db_path", rt.Queue().Name()).
				Msg("status worker ready")
			return w.Serve(ctx, channel.Line(os.Stdin, os.Stdout))
		},
	}

	cmd.Flags().StringVar(&flagType, "type", statusagent.WorkerType, "Worker type to serve")
	return cmd
}
