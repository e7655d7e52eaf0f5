// Package worker is the worker side of a binding: a JSON-RPC server that
// receives configuration from the controller and runs the status aggregator.
package worker

import (
	"context"
	"io"
	"sync"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/creachadair/jrpc2/handler"
	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/binding"
	"github.com/radarbase/statusagent/internal/status"
	"github.com/rs/zerolog/log"
)

const (
	codeNotConfigured = jrpc2.Code(-32010)
	codeClosed        = jrpc2.Code(-32011)
	codeStartFailed   = jrpc2.Code(-32012)
)

// Factory builds the aggregator for the first configuration.
type Factory func(ctx context.Context, cfg status.Config) (*status.Aggregator, error)

// EmptyResult is returned by methods without data.
type EmptyResult struct{}

// Worker owns at most one aggregator and applies configuration pushed by the
// controller.
type Worker struct {
	// FireOnStart runs one firing right after the aggregator starts instead
	// of waiting a full interval.
	FireOnStart bool

	base    status.Config
	factory Factory

	mu     sync.Mutex
	agg    *status.Aggregator
	closed bool
	done   chan struct{}
}

// New returns a worker that derives aggregator configurations from base.
func New(base status.Config, factory Factory) *Worker {
	return &Worker{
		base:    base,
		factory: factory,
		done:    make(chan struct{}),
	}
}

// Methods returns the worker RPC handlers.
func (w *Worker) Methods() handler.Map {
	return handler.Map{
		binding.MethodConfigure: handler.New(w.configure),
		binding.MethodStatus:    handler.New(w.status),
		binding.MethodClose:     handler.New(w.close),
	}
}

// Done is closed once the controller asked the worker to close.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Aggregator returns the running aggregator, or nil before the first
// configuration.
func (w *Worker) Aggregator() *status.Aggregator {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agg
}

func (w *Worker) configure(ctx context.Context, p *binding.Configuration) (*binding.ConfigureResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, &jrpc2.Error{Code: codeClosed, Message: "worker closed"}
	}
	cfg := status.ConfigFromSettings(w.base, p.Settings)
	started := false
	if w.agg == nil {
		agg, err := w.factory(ctx, cfg)
		if err != nil {
			log.Error().Err(err).Msg("worker: create aggregator failed")
			return nil, &jrpc2.Error{Code: codeStartFailed, Message: err.Error()}
		}
		if err := agg.Start(ctx); err != nil {
			agg.Close()
			return nil, &jrpc2.Error{Code: codeStartFailed, Message: err.Error()}
		}
		w.agg = agg
		started = true
		if w.FireOnStart {
			go agg.RunOnce(context.Background())
		}
	} else {
		// Name, package and version code are registration attributes and
		// only change with a new aggregator.
		w.agg.SetInterval(cfg.Interval)
		w.agg.SetTimeZoneInterval(cfg.TimeZoneInterval)
		w.agg.SetTimeSyncServer(cfg.TimeSyncServer)
		w.agg.SetTimeSyncTimeout(cfg.TimeSyncTimeout)
		w.agg.SetSendIP(cfg.SendIP)
		w.agg.SetAppVersion(cfg.AppVersion)
	}
	log.Info().
		Bool("started", started).
		Dur("interval", cfg.Interval).
		Dur("tz_interval", cfg.TimeZoneInterval).
		Str("ntp_server", cfg.TimeSyncServer).
		Bool("send_ip", cfg.SendIP).
		Bool("needs_bluetooth", p.NeedsBluetooth).
		Msg("worker: configuration applied")
	return &binding.ConfigureResult{Started: started, Snapshot: w.agg.Snapshot()}, nil
}

func (w *Worker) status(_ context.Context) (*status.Snapshot, error) {
	w.mu.Lock()
	agg := w.agg
	w.mu.Unlock()
	if agg == nil {
		return nil, &jrpc2.Error{Code: codeNotConfigured, Message: "worker not configured"}
	}
	snap := agg.Snapshot()
	return &snap, nil
}

func (w *Worker) close(_ context.Context) (*EmptyResult, error) {
	w.shutdown()
	return &EmptyResult{}, nil
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.agg != nil {
		w.agg.Close()
	}
	close(w.done)
}

// Serve answers controller requests on ch until the channel closes or ctx is
// done, then closes the aggregator.
func (w *Worker) Serve(ctx context.Context, ch channel.Channel) error {
	srv := jrpc2.NewServer(w.Methods(), nil).Start(ch)
	stop := context.AfterFunc(ctx, srv.Stop)
	defer stop()

	err := srv.Wait()
	w.shutdown()
	if err == nil || ctx.Err() != nil || errors.Is(err, io.EOF) || channel.IsErrClosing(err) {
		return nil
	}
	return errors.Wrap(err, "worker: serve")
}
