package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "statusagent",
	Short: "Background status sampling for data collection devices",
	Long: `statusagent samples operational facts of the host and the collecting
application (server reachability, uptime, record backlog, clock offset, device
identity and time zone) into a durable local queue. The run command controls a
worker process that does the sampling; the other commands inspect the queue
and talk to a running controller over its event broker.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(rootLogLevel)))
		if err != nil {
			return errors.Wrapf(err, "invalid --log-level %q", rootLogLevel)
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

var (
	rootLogLevel string
	rootSocket   string
	rootDBPath   string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootSocket, "socket", "", "Event broker socket (default from STATUS_BUS_SOCKET)")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db", "", "Record queue database (default from STATUS_DB_PATH)")
	rootCmd.AddCommand(
		newRunCmd(),
		newWorkerCmd(),
		newPublishCmd(),
		newRecordsCmd(),
		newAuthorizeCmd(),
	)
	_ = env.Ensure()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("statusagent command failed")
	}
}
