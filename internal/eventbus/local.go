package eventbus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/metrics"
	"github.com/rs/zerolog/log"
)

const defaultQueueSize = 256

type envelope struct {
	ev      Event
	barrier chan struct{}
}

// Local is an in-process bus. Events are delivered on a single dispatch
// goroutine in publish order.
type Local struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64

	queue     chan envelope
	done      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func NewLocal() *Local {
	return newLocal(defaultQueueSize)
}

func newLocal(size int) *Local {
	b := &Local{
		subs:   make(map[string]map[uint64]Handler),
		queue:  make(chan envelope, size),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish queues ev without blocking. A full queue drops the event.
func (b *Local) Publish(ctx context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.queue <- envelope{ev: ev}:
		return nil
	case <-b.done:
		return ErrClosed
	default:
		metrics.ObserveEventDropped(ev.Name)
		return errors.Wrapf(ErrDropped, "queue full for %s", ev.Name)
	}
}

func (b *Local) Subscribe(name string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]Handler)
	}
	b.subs[name][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[name], id)
			if len(b.subs[name]) == 0 {
				delete(b.subs, name)
			}
		})
	}
}

// Subscribers returns the number of handlers registered for name.
func (b *Local) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Flush blocks until every event queued before the call has been delivered.
func (b *Local) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case b.queue <- envelope{barrier: barrier}:
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops dispatching. Queued events that were not delivered are dropped.
// A handler already running completes; Close does not wait for it.
func (b *Local) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	return nil
}

func (b *Local) dispatch() {
	defer close(b.closed)
	for {
		select {
		case <-b.done:
			return
		case env := <-b.queue:
			if env.barrier != nil {
				close(env.barrier)
				continue
			}
			b.deliver(env.ev)
		}
	}
}

func (b *Local) deliver(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Name]))
	for _, h := range b.subs[ev.Name] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("event", ev.Name).Msg("eventbus: handler panicked")
				}
			}()
			h(ev)
		}()
	}
}
