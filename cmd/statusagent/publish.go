package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/eventbus"
	"github.com/radarbase/statusagent/pkg/records"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPublishCmd() *cobra.Command {
	var flagTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an upload event to a running controller",
	}
	cmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "Broker connection timeout")

	send := func(cmd *cobra.Command, ev eventbus.Event) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
		defer cancel()
		socket := loadOptions().BusSocket
		client, err := eventbus.Dial(ctx, socket)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Publish(ctx, ev); err != nil {
			return err
		}
		log.Info().Str("event", ev.Name).Int("code", ev.Code).Int64("count", ev.Count).
			Str("stream", ev.Stream).Str("socket", socket).Msg("event published")
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "connectivity <status>",
			Short: "Report the upload connection status (connected, disconnected, uploading, ...)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				status, err := records.ParseConnectionStatus(args[0])
				if err != nil {
					return err
				}
				return send(cmd, eventbus.Event{Name: eventbus.ConnectivityChanged, Code: int(status)})
			},
		},
		&cobra.Command{
			Use:   "sent <count>",
			Short: "Report newly uploaded records",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
				if err != nil {
					return errors.Wrapf(err, "invalid count %q", args[0])
				}
				return send(cmd, eventbus.Event{Name: eventbus.RecordsSent, Count: n})
			},
		},
		&cobra.Command{
			Use:   "backlog <stream> <count|unknown>",
			Short: "Report the cached record count of a stream",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := parseBacklog(args[1])
				if err != nil {
					return err
				}
				return send(cmd, eventbus.Event{Name: eventbus.BacklogChanged, Stream: args[0], Count: n})
			},
		},
	)
	return cmd
}

func parseBacklog(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "unknown") {
		return eventbus.UnknownCount, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid backlog %q", v)
	}
	return n, nil
}
