package statusagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	restartBackoff    = 200 * time.Millisecond
	maxRestartBackoff = 30 * time.Second
)

// GroupGoSafe runs fn in group and restarts it with exponential backoff when
// it panics. A panic does not cancel sibling goroutines; a returned error
// keeps errgroup semantics. Cancelling ctx ends the restart loop.
//
// Panics are printed to stderr rather than through the logger, which may be
// the thing that panicked.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		backoff := restartBackoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			report, err := callSafe(ctx, fn)
			if report == "" {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked, restarting in %s: %s\n", name, backoff, report)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			backoff *= 2
			if backoff > maxRestartBackoff {
				backoff = maxRestartBackoff
			}
		}
	})
}

// callSafe returns a non-empty report with the panic value and stack when fn
// panicked.
func callSafe(ctx context.Context, fn func(context.Context) error) (report string, err error) {
	defer func() {
		if r := recover(); r != nil {
			report = fmt.Sprintf("%v\n%s", r, debug.Stack())
		}
	}()
	return "", fn(ctx)
}
