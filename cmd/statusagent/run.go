package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/radarbase/statusagent"
	"github.com/radarbase/statusagent/internal/binding"
	"github.com/radarbase/statusagent/internal/eventbus"
	"github.com/radarbase/statusagent/internal/source"
	"github.com/radarbase/statusagent/internal/status"
	"github.com/radarbase/statusagent/internal/worker"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const metricsPath = "/metrics"

type runFlags struct {
	interval        time.Duration
	tzInterval      time.Duration
	ntpServer       string
	sendIP          bool
	metricsAddr     string
	inProcess       bool
	allowBackground bool
	permissions     []string
	reportEvery     time.Duration
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event broker and keep the status worker bound",
		Long: `run listens on the event broker socket, starts the status worker and
pushes the sampling settings to it. SIGHUP reloads the settings from the
environment and pushes them without restarting the worker. A worker that
exits is bound again on the next report tick.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cmd, flags)
		},
	}

	cmd.Flags().DurationVar(&flags.interval, "interval", 0, "Status interval (default from STATUS_INTERVAL)")
	cmd.Flags().DurationVar(&flags.tzInterval, "tz-interval", 0, "Time zone interval, 0 keeps STATUS_TZ_INTERVAL")
	cmd.Flags().StringVar(&flags.ntpServer, "ntp-server", "", "SNTP server (default from STATUS_NTP_SERVER)")
	cmd.Flags().BoolVar(&flags.sendIP, "send-ip", false, "Include the device IP address in server status records")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default from STATUS_METRICS_ADDR)")
	cmd.Flags().BoolVar(&flags.inProcess, "in-process", false, "Run the worker inside this process")
	cmd.Flags().BoolVar(&flags.allowBackground, "allow-background", false, "Allow starting the worker without a terminal")
	cmd.Flags().StringSliceVar(&flags.permissions, "permission", nil, "Permission granted to the worker (repeatable)")
	cmd.Flags().DurationVar(&flags.reportEvery, "report-every", time.Minute, "Interval between worker status reports")

	return cmd
}

func (f runFlags) apply(opts statusagent.Options, cmd *cobra.Command) statusagent.Options {
	if f.interval > 0 {
		opts.Interval = f.interval
	}
	if f.tzInterval != 0 {
		opts.TimeZoneInterval = f.tzInterval
	}
	opts.NTPServer = firstNonEmpty(f.ntpServer, opts.NTPServer)
	if cmd.Flags().Changed("send-ip") {
		opts.SendIP = f.sendIP
	}
	opts.MetricsAddr = firstNonEmpty(f.metricsAddr, opts.MetricsAddr)
	return opts
}

func runController(cmd *cobra.Command, flags runFlags) error {
	ctx := cmd.Context()
	opts := flags.apply(loadOptions(), cmd)

	broker, err := eventbus.Listen(opts.BusSocket)
	if err != nil {
		return err
	}
	defer broker.Close()

	g, gctx := errgroup.WithContext(ctx)
	statusagent.GroupGoSafe(gctx, g, "event broker", broker.Serve)
	if opts.MetricsAddr != "" {
		addr := opts.MetricsAddr
		statusagent.GroupGoSafe(gctx, g, "metrics server", func(ctx context.Context) error {
			return serveMetrics(ctx, addr)
		})
	}

	var host binding.Host
	if flags.inProcess {
		rt, err := statusagent.OpenRuntime(gctx, opts)
		if err != nil {
			return err
		}
		defer rt.Close()
		host = &worker.LocalHost{New: func(string) (*worker.Worker, error) { return rt.NewWorker(), nil }}
	} else {
		host = &binding.ProcessHost{
			AllowBackground: flags.allowBackground,
			Env:             workerEnv(opts),
		}
	}

	var settingsMu sync.Mutex
	current := opts
	sources := source.NewRegistry()
	sources.DeclareType(status.DefaultSourceType)
	mgr := binding.NewManager(statusagent.WorkerType, host, sources,
		binding.WithSettings(func() map[string]string {
			settingsMu.Lock()
			defer settingsMu.Unlock()
			return current.Settings()
		}),
		binding.WithPermissions(flags.permissions...),
		binding.WithListener(func(workerType string, state binding.State) {
			log.Info().Str("worker", workerType).Str("state", state.String()).Msg("worker connection changed")
		}),
	)
	registry := binding.NewRegistry()
	registry.Add(mgr)

	log.Info().
		Str("socket", broker.Path()).
		Dur("interval", opts.Interval).
		Dur("tz_interval", opts.TimeZoneInterval).
		Str("ntp_server", opts.NTPServer).
		Bool("in_process", flags.inProcess).
		Msg("starting status controller")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g.Go(func() error {
		defer broker.Close()
		reload := func() {
			next := flags.apply(loadOptions(), cmd)
			settingsMu.Lock()
			current = next
			settingsMu.Unlock()
			for _, m := range registry.Managers() {
				if err := m.UpdateConfiguration(gctx); err != nil {
					log.Warn().Err(err).Str("worker", m.Key()).Msg("push configuration failed")
				}
			}
		}
		supervise(gctx, registry, flags.reportEvery, hup, reload)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// supervise keeps every registered worker bound until ctx is done and then
// unbinds them.
func supervise(ctx context.Context, registry *binding.Registry, every time.Duration, hup <-chan os.Signal, reload func()) {
	if every <= 0 {
		every = time.Minute
	}
	ensureBound(ctx, registry)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			unbindCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, m := range registry.Managers() {
				if err := m.Unbind(unbindCtx); err != nil && !errors.Is(err, binding.ErrNotBound) {
					log.Warn().Err(err).Str("worker", m.Key()).Msg("unbind worker failed")
				}
			}
			cancel()
			return
		case <-hup:
			log.Info().Msg("reloading settings")
			reload()
		case <-ticker.C:
			ensureBound(ctx, registry)
			report(ctx, registry)
		}
	}
}

func ensureBound(ctx context.Context, registry *binding.Registry) {
	for _, m := range registry.Managers() {
		if conn, err := m.Connection(); err == nil && !conn.Connected() && m.State() == "bound" {
			log.Warn().Str("worker", m.Key()).Msg("worker connection lost, binding again")
			if err := m.Unbind(ctx); err != nil {
				log.Warn().Err(err).Str("worker", m.Key()).Msg("unbind lost worker failed")
			}
		}
		if m.State() == "bound" {
			continue
		}
		res, err := m.Bind(ctx)
		if err != nil {
			log.Error().Err(err).Str("worker", m.Key()).Msg("bind worker failed")
			continue
		}
		if res == binding.BindDegraded {
			log.Warn().Str("worker", m.Key()).Msg("worker not started, retrying on next report")
		}
	}
}

func report(ctx context.Context, registry *binding.Registry) {
	for _, m := range registry.Managers() {
		conn, err := m.Connection()
		if err != nil || !conn.Connected() {
			continue
		}
		snap, err := conn.Status(ctx)
		if err != nil {
			log.Warn().Err(err).Str("worker", m.Key()).Msg("query worker status failed")
			continue
		}
		log.Info().
			Str("worker", m.Key()).
			Str("source_id", snap.SourceID).
			Str("connection", snap.Connection).
			Int64("records_sent", snap.RecordsSent).
			Int64("records_unsent", snap.RecordsUnsent).
			Dur("uptime", snap.Uptime).
			Str("main_mode", snap.MainMode).
			Str("tz_mode", snap.TimeZoneMode).
			Msg("worker status")
	}
}

// workerEnv passes the storage locations to a worker process. Sampling
// settings travel over the configuration call instead.
func workerEnv(opts statusagent.Options) []string {
	env := []string{
		statusagent.EnvBusSocket + "=" + opts.BusSocket,
		statusagent.EnvPropsDir + "=" + opts.PropsDir,
	}
	if opts.DBPath != "" {
		env = append(env, statusagent.EnvDBPath+"="+opts.DBPath)
	}
	return env
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	log.Info().Str("addr", addr).Str("path", metricsPath).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
