package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Task is one named step of a firing.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Spec describes a repeating schedule.
type Spec struct {
	Request  RequestID
	Tasks    []Task
	Interval time.Duration
	// Wake allows firings while the device is otherwise idle.
	Wake bool
}

// Mode is the registration state of a Scheduler.
type Mode int

const (
	ModeStopped Mode = iota
	ModeActive
	// ModeDegraded means the host refused the timer; no firings happen until a
	// later SetInterval succeeds.
	ModeDegraded
	ModeClosed
)

func (m Mode) String() string {
	switch m {
	case ModeStopped:
		return "stopped"
	case ModeActive:
		return "active"
	case ModeDegraded:
		return "degraded"
	case ModeClosed:
		return "closed"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithHost overrides DefaultHost.
func WithHost(h TimerHost) Option {
	return func(s *Scheduler) {
		if h != nil {
			s.host = h
		}
	}
}

// Scheduler runs a fixed, ordered task list on a repeating timer. Firings are
// executed one at a time on a dedicated goroutine; a tick that arrives while a
// firing is in progress is coalesced with at most one pending firing.
type Scheduler struct {
	spec Spec
	host TimerHost

	startMu sync.Mutex

	mu       sync.Mutex
	mode     Mode
	interval time.Duration
	reg      Registration

	firingMu sync.Mutex
	trigger  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// New validates spec and returns a stopped scheduler.
func New(spec Spec, opts ...Option) (*Scheduler, error) {
	if spec.Interval <= 0 {
		return nil, errors.Errorf("scheduler %s: interval must be positive, got %s", spec.Request, spec.Interval)
	}
	if len(spec.Tasks) == 0 {
		return nil, errors.Errorf("scheduler %s: no tasks", spec.Request)
	}
	seen := make(map[string]struct{}, len(spec.Tasks))
	for _, task := range spec.Tasks {
		name := strings.TrimSpace(task.Name)
		if name == "" || task.Run == nil {
			return nil, errors.Errorf("scheduler %s: task must have a name and a function", spec.Request)
		}
		if _, dup := seen[name]; dup {
			return nil, errors.Errorf("scheduler %s: duplicate task %s", spec.Request, name)
		}
		seen[name] = struct{}{}
	}

	tasks := make([]Task, len(spec.Tasks))
	copy(tasks, spec.Tasks)
	spec.Tasks = tasks

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		spec:     spec,
		host:     DefaultHost,
		interval: spec.Interval,
		trigger:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) name() string {
	return s.spec.Request.Name
}

// Start runs initializer once and registers the timer. Calling Start on a
// running or closed scheduler does nothing and does not run initializer.
// initializer must not call back into the scheduler.
func (s *Scheduler) Start(initializer func()) Mode {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if mode := s.Mode(); mode != ModeStopped {
		return mode
	}
	if initializer != nil {
		initializer()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeClosed {
		return s.mode
	}
	go s.execute()
	s.registerLocked()
	log.Info().
		Str("schedule", s.name()).
		Dur("interval", s.interval).
		Int("tasks", len(s.spec.Tasks)).
		Str("mode", s.mode.String()).
		Msg("scheduler started")
	return s.mode
}

// SetInterval replaces the live registration with one at d. On a stopped
// scheduler the interval is stored and used by Start.
func (s *Scheduler) SetInterval(d time.Duration) Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		log.Error().Str("schedule", s.name()).Dur("interval", d).Msg("scheduler: ignore non-positive interval")
		return s.mode
	}
	if s.mode == ModeClosed {
		return s.mode
	}
	if d == s.interval && s.mode == ModeActive {
		return s.mode
	}
	s.interval = d
	if s.mode == ModeStopped {
		return s.mode
	}
	s.registerLocked()
	log.Info().Str("schedule", s.name()).Dur("interval", d).Str("mode", s.mode.String()).Msg("scheduler interval changed")
	return s.mode
}

// registerLocked cancels the current registration before creating a new one,
// so no two registrations of this scheduler are ever live together.
func (s *Scheduler) registerLocked() {
	if s.reg != nil {
		s.reg.Cancel()
		s.reg = nil
	}
	reg, err := s.host.Register(s.spec.Request, s.interval, s.spec.Wake, s.fire)
	if err != nil {
		s.mode = ModeDegraded
		metrics.ObserveRegistrationDenied(s.name())
		log.Warn().Err(err).Str("schedule", s.name()).Msg("scheduler: timer registration failed, running degraded")
		return
	}
	s.reg = reg
	s.mode = ModeActive
}

// Close cancels the registration and stops the executor. Tasks remaining in
// an in-flight firing are skipped. Close never waits for the firing to finish,
// so a task may close its own scheduler.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeClosed {
		return
	}
	if s.reg != nil {
		s.reg.Cancel()
		s.reg = nil
	}
	s.mode = ModeClosed
	s.cancel()
	log.Debug().Str("schedule", s.name()).Msg("scheduler closed")
}

// Mode returns the current registration state.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Interval returns the configured interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// RunOnce executes one firing on the caller's goroutine, serialized with
// timer-driven firings.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	s.runTasks(ctx)
}

func (s *Scheduler) fire() {
	select {
	case s.trigger <- struct{}{}:
	default:
		log.Debug().Str("schedule", s.name()).Msg("scheduler: firing already pending, tick coalesced")
	}
}

func (s *Scheduler) execute() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.trigger:
			s.runTasks(s.ctx)
		}
	}
}

func (s *Scheduler) runTasks(ctx context.Context) {
	s.firingMu.Lock()
	defer s.firingMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	metrics.ObserveFiring(s.name())
	for _, task := range s.spec.Tasks {
		if ctx.Err() != nil || s.ctx.Err() != nil {
			log.Debug().Str("schedule", s.name()).Str("task", task.Name).Msg("scheduler closed during firing, skip remaining tasks")
			return
		}
		if err := runTask(ctx, task); err != nil {
			metrics.ObserveTaskFailure(s.name(), task.Name)
			log.Error().Err(err).Str("schedule", s.name()).Str("task", task.Name).Msg("scheduler task failed")
		}
	}
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task.Run(ctx)
}
