package worker

import (
	"context"
	"io"
	"sync"

	"github.com/creachadair/jrpc2/channel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// LocalHost runs workers in the current process, connected to the controller
// through in-memory pipes.
type LocalHost struct {
	// New creates the worker for a launch.
	New func(workerType string) (*Worker, error)

	mu       sync.Mutex
	launched int
	wg       sync.WaitGroup
}

// Launch starts a worker goroutine and returns the controller end of its
// channel.
func (h *LocalHost) Launch(ctx context.Context, workerType string) (channel.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.New == nil {
		return nil, errors.New("worker: local host has no worker factory")
	}
	w, err := h.New(workerType)
	if err != nil {
		return nil, errors.Wrapf(err, "worker: create %s", workerType)
	}

	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	h.mu.Lock()
	h.launched++
	h.mu.Unlock()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := w.Serve(context.Background(), channel.Line(sr, sw)); err != nil {
			log.Warn().Err(err).Str("worker", workerType).Msg("worker: local worker stopped")
		}
	}()
	return channel.Line(cr, cw), nil
}

// Launched returns how many workers were started.
func (h *LocalHost) Launched() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.launched
}

// Wait blocks until every launched worker returned.
func (h *LocalHost) Wait() {
	h.wg.Wait()
}
