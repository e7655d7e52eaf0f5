package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/radarbase/statusagent/internal/storage"
	"github.com/spf13/cobra"
)

func newRecordsCmd() *cobra.Command {
	var (
		flagStream string
		flagLimit  int
	)

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Show queued status records",
		Long: `records prints the number of queued records per stream. With --stream it
prints the newest records of that stream as JSON lines.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			queue, err := storage.Open(loadOptions().DBPath)
			if err != nil {
				return err
			}
			defer queue.Close()

			out := cmd.OutOrStdout()
			if flagStream == "" {
				counts, err := queue.Streams(ctx)
				if err != nil {
					return err
				}
				streams := make([]string, 0, len(counts))
				for s := range counts {
					streams = append(streams, s)
				}
				sort.Strings(streams)
				for _, s := range streams {
					fmt.Fprintf(out, "%-32s %d\n", s, counts[s])
				}
				return nil
			}

			rows, err := queue.Recent(ctx, flagStream, flagLimit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			for _, row := range rows {
				if err := enc.Encode(row); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagStream, "stream", "", "Stream to list, e.g. application_uptime")
	cmd.Flags().IntVar(&flagLimit, "limit", 10, "Maximum number of records to print")
	return cmd
}
