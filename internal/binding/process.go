package binding

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creachadair/jrpc2/channel"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const processStopTimeout = 5 * time.Second

// ProcessHost runs each worker as a child process speaking line-framed
// JSON-RPC over its stdin and stdout.
type ProcessHost struct {
	// Executable defaults to the running binary.
	Executable string
	// Args builds the worker arguments. Defaults to: worker --type <type>.
	Args func(workerType string) []string
	// AllowBackground permits launching when Foreground reports false.
	AllowBackground bool
	// Foreground defaults to checking whether stdin is a terminal.
	Foreground func() bool
	Env        []string
}

func (h *ProcessHost) foreground() bool {
	if h.Foreground != nil {
		return h.Foreground()
	}
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Launch starts the worker process. Workers may not be started from the
// background unless AllowBackground is set.
func (h *ProcessHost) Launch(ctx context.Context, workerType string) (channel.Channel, error) {
	if !h.AllowBackground && !h.foreground() {
		return nil, errors.Wrapf(ErrBackgroundRestricted, "worker %s", workerType)
	}
	exe := h.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, errors.Wrap(err, "binding: resolve executable")
		}
	}
	args := []string{"worker", "--type", workerType}
	if h.Args != nil {
		args = h.Args(workerType)
	}

	// The worker outlives the launching context; it is stopped through the
	// returned channel.
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), h.Env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "binding: worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "binding: worker stdout")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "binding: start worker %s", workerType)
	}
	log.Info().Str("worker", workerType).Int("pid", cmd.Process.Pid).Msg("binding: worker process started")

	p := &processChannel{
		Channel: channel.Line(stdout, stdin),
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	go p.wait(workerType)
	return p, nil
}

type processChannel struct {
	channel.Channel
	cmd *exec.Cmd

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (p *processChannel) wait(workerType string) {
	err := p.cmd.Wait()
	close(p.done)
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("worker", workerType).Msg("binding: worker process exited")
}

// Close closes the worker stdin and waits for the process to exit, killing it
// after processStopTimeout.
func (p *processChannel) Close() error {
	p.closeOnce.Do(func() {
		if err := p.Channel.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.closeErr = err
		}
		select {
		case <-p.done:
		case <-time.After(processStopTimeout):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return p.closeErr
}
