package statusagent

import (
	"context"

	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/devinfo"
	"github.com/radarbase/statusagent/internal/eventbus"
	"github.com/radarbase/statusagent/internal/netaddr"
	"github.com/radarbase/statusagent/internal/props"
	"github.com/radarbase/statusagent/internal/providers/adb"
	"github.com/radarbase/statusagent/internal/source"
	"github.com/radarbase/statusagent/internal/status"
	"github.com/radarbase/statusagent/internal/storage"
	"github.com/radarbase/statusagent/internal/topic"
	"github.com/radarbase/statusagent/internal/worker"
	"github.com/rs/zerolog/log"
)

// Runtime owns the resources shared by the aggregators of a worker process:
// the record queue, the property store, the event bus connection and the
// device identity source.
type Runtime struct {
	opts      Options
	queue     *storage.Queue
	props     *props.Store
	bus       eventbus.Bus
	sources   *source.Registry
	identity  devinfo.Source
	addresses *netaddr.Resolver
}

// OpenRuntime opens the record queue and connects to the event broker. When
// no broker is reachable the worker keeps running on a local bus and only
// misses controller events.
func OpenRuntime(ctx context.Context, opts Options) (*Runtime, error) {
	queue, err := storage.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		opts:      opts,
		queue:     queue,
		props:     props.NewOS(opts.PropsDir),
		sources:   source.NewRegistry(),
		addresses: netaddr.NewResolver(),
	}
	rt.sources.DeclareType(status.DefaultSourceType)

	rt.bus = eventbus.NewLocal()
	if opts.BusSocket != "" {
		client, err := eventbus.Dial(ctx, opts.BusSocket)
		if err != nil {
			log.Warn().Err(err).Str("socket", opts.BusSocket).Msg("event broker unreachable, using local bus")
		} else {
			_ = rt.bus.Close()
			rt.bus = client
		}
	}

	if opts.UseADB {
		provider, err := adb.NewDefault()
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.identity = &devinfo.ADB{Props: provider, Serial: opts.ADBSerial, AppVersion: opts.AppVersion}
	} else {
		rt.identity = devinfo.NewHost(opts.AppVersion)
	}
	return rt, nil
}

// NewAggregator builds an aggregator on the runtime resources. It satisfies
// worker.Factory.
func (r *Runtime) NewAggregator(_ context.Context, cfg status.Config) (*status.Aggregator, error) {
	return status.New(cfg, status.Deps{
		Queue:     r.queue,
		Topics:    topic.Default(),
		Bus:       r.bus,
		Identity:  r.identity,
		Store:     r.props,
		Registrar: r.sources,
		Addresses: r.addresses,
	})
}

// NewWorker returns a worker whose aggregators use the runtime.
func (r *Runtime) NewWorker() *worker.Worker {
	w := worker.New(r.opts.StatusConfig(), r.NewAggregator)
	w.FireOnStart = true
	return w
}

// Queue returns the durable record queue.
func (r *Runtime) Queue() *storage.Queue { return r.queue }

// Sources returns the registry the aggregators register with.
func (r *Runtime) Sources() *source.Registry { return r.sources }

// Close releases the bus connection and the record queue.
func (r *Runtime) Close() error {
	var firstErr error
	if r.bus != nil {
		if err := r.bus.Close(); err != nil {
			firstErr = errors.Wrap(err, "close event bus")
		}
	}
	if err := r.queue.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close record queue")
	}
	return firstErr
}
