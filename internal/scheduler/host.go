package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// RequestID identifies a timer registration. A host keeps at most one live
// registration per RequestID.
type RequestID struct {
	Code int
	Name string
}

func (r RequestID) String() string {
	return fmt.Sprintf("%s#%d", r.Name, r.Code)
}

// Registration is a live repeating timer.
type Registration interface {
	Cancel()
}

// TimerHost registers repeating timers. A host may refuse a registration, for
// example when background execution is restricted.
type TimerHost interface {
	Register(id RequestID, every time.Duration, wake bool, fire func()) (Registration, error)
}

// ErrRegistrationDenied is returned by hosts that refuse background timers.
var ErrRegistrationDenied = errors.New("scheduler: timer registration denied")

// TickerHost backs registrations with time.Ticker goroutines. Registering an
// id that already has a live registration replaces it. Tickers run whenever
// the process runs, so the wake flag is recorded but changes nothing.
type TickerHost struct {
	mu   sync.Mutex
	live map[RequestID]*tickerRegistration
	deny func(id RequestID) error
}

// DefaultHost is the process-wide host used when none is configured.
var DefaultHost = NewTickerHost()

func NewTickerHost() *TickerHost {
	return &TickerHost{live: make(map[RequestID]*tickerRegistration)}
}

// SetPolicy installs a check consulted before every registration; a non-nil
// error refuses it.
func (h *TickerHost) SetPolicy(deny func(id RequestID) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deny = deny
}

func (h *TickerHost) Register(id RequestID, every time.Duration, wake bool, fire func()) (Registration, error) {
	if every <= 0 {
		return nil, errors.Errorf("scheduler: non-positive interval %s for %s", every, id)
	}
	if fire == nil {
		return nil, errors.Errorf("scheduler: nil fire callback for %s", id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deny != nil {
		if err := h.deny(id); err != nil {
			return nil, err
		}
	}
	if old, ok := h.live[id]; ok {
		old.stop()
	}
	reg := &tickerRegistration{
		host:  h,
		id:    id,
		every: every,
		wake:  wake,
		done:  make(chan struct{}),
	}
	h.live[id] = reg
	go reg.run(fire)
	return reg, nil
}

// Wakes reports whether the live registration for id asked to wake the
// device.
func (h *TickerHost) Wakes(id RequestID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.live[id]
	return ok && reg.wake
}

// Live reports the interval of the live registration for id.
func (h *TickerHost) Live(id RequestID) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.live[id]
	if !ok {
		return 0, false
	}
	return reg.every, true
}

// Count returns the number of live registrations.
func (h *TickerHost) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

func (h *TickerHost) remove(reg *tickerRegistration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live[reg.id] == reg {
		delete(h.live, reg.id)
	}
	reg.stop()
}

type tickerRegistration struct {
	host     *TickerHost
	id       RequestID
	every    time.Duration
	wake     bool
	done     chan struct{}
	stopOnce sync.Once
}

func (r *tickerRegistration) run(fire func()) {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			fire()
		}
	}
}

func (r *tickerRegistration) stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *tickerRegistration) Cancel() {
	r.host.remove(r)
}
