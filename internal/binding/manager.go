// Package binding manages the controller side of a background worker: it
// starts the worker, hands it configuration, tears it down and answers
// authorization questions against the source registry.
package binding

import (
	"context"
	"strings"
	"sync"

	"github.com/creachadair/jrpc2/channel"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/source"
	"github.com/rs/zerolog/log"
)

// Contract violations.
var (
	ErrAlreadyBound = errors.New("binding: already bound")
	ErrNotBound     = errors.New("binding: not bound")
	ErrNoConnection = errors.New("binding: no connection")
)

// ErrBackgroundRestricted is returned by a Host that may not start workers
// from the background.
var ErrBackgroundRestricted = errors.New("binding: background start restricted")

// Host starts worker instances and returns the channel to talk to them.
type Host interface {
	Launch(ctx context.Context, workerType string) (channel.Channel, error)
}

// BindResult reports how a Bind call ended.
type BindResult int

const (
	// BindConnected means the worker is running and configured.
	BindConnected BindResult = iota
	// BindDegraded means the host refused the worker or the worker did not
	// accept its configuration. The manager stays unbound.
	BindDegraded
)

func (r BindResult) String() string {
	if r == BindConnected {
		return "connected"
	}
	return "degraded"
}

const (
	stateUnbound = "unbound"
	stateBound   = "bound"

	eventBind   = "bind"
	eventUnbind = "unbind"
)

// ConfigureFunc builds the configuration payload for a worker.
type ConfigureFunc func(m *Manager) Configuration

// Option customizes a Manager.
type Option func(*Manager)

// WithSettings sets the source of global settings copied into every
// configuration payload.
func WithSettings(settings func() map[string]string) Option {
	return func(m *Manager) { m.settings = settings }
}

// WithPermissions lists the permissions the worker needs.
func WithPermissions(perms ...string) Option {
	return func(m *Manager) { m.permissions = append(m.permissions, perms...) }
}

// WithConfigure replaces DefaultConfigure.
func WithConfigure(fn ConfigureFunc) Option {
	return func(m *Manager) { m.configure = fn }
}

// WithListener observes the state of every connection the manager creates.
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

// Manager owns the binding of one worker type.
type Manager struct {
	workerType  string
	host        Host
	sources     *source.Registry
	settings    func() map[string]string
	permissions []string
	configure   ConfigureFunc
	listeners   []Listener

	// opMu serializes Bind, Unbind and UpdateConfiguration. mu guards the
	// fields below and is never held across worker calls or listeners.
	opMu   sync.Mutex
	mu     sync.Mutex
	state  *fsm.FSM
	conn   *Connection
	config Configuration
}

// NewManager returns an unbound manager for workerType.
func NewManager(workerType string, host Host, sources *source.Registry, opts ...Option) *Manager {
	m := &Manager{
		workerType: workerType,
		host:       host,
		sources:    sources,
		configure:  DefaultConfigure,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = fsm.NewFSM(
		stateUnbound,
		fsm.Events{
			{Name: eventBind, Src: []string{stateUnbound}, Dst: stateBound},
			{Name: eventUnbind, Src: []string{stateBound}, Dst: stateUnbound},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug().Str("worker", m.workerType).Str("from", e.Src).Str("to", e.Dst).
					Msg("binding: state changed")
			},
		},
	)
	return m
}

// DefaultConfigure copies the global settings and flags whether any of the
// worker permissions is bluetooth related.
func DefaultConfigure(m *Manager) Configuration {
	cfg := Configuration{Settings: m.Settings()}
	for _, p := range m.permissions {
		if strings.Contains(strings.ToUpper(p), "BLUETOOTH") {
			cfg.NeedsBluetooth = true
			break
		}
	}
	return cfg
}

// Key identifies the managed worker type.
func (m *Manager) Key() string { return m.workerType }

// Equal reports whether both managers handle the same worker type.
func (m *Manager) Equal(o *Manager) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.workerType == o.workerType
}

// Settings returns a copy of the global settings.
func (m *Manager) Settings() map[string]string {
	out := map[string]string{}
	if m.settings == nil {
		return out
	}
	for k, v := range m.settings() {
		out[k] = v
	}
	return out
}

// Permissions returns the permissions the worker needs.
func (m *Manager) Permissions() []string {
	return append([]string(nil), m.permissions...)
}

// State returns "unbound" or "bound".
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Current()
}

// Configuration returns the last configuration built for the worker.
func (m *Manager) Configuration() Configuration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Connection returns the current connection object.
func (m *Manager) Connection() (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil, errors.Wrapf(ErrNoConnection, "worker %s", m.workerType)
	}
	return m.conn, nil
}

// Bind starts and configures the worker. A host refusal is logged and
// reported as BindDegraded with a nil error, leaving the manager unbound.
func (m *Manager) Bind(ctx context.Context) (BindResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	can := m.state.Can(eventBind)
	m.mu.Unlock()
	if !can {
		return BindDegraded, errors.Wrapf(ErrAlreadyBound, "worker %s", m.workerType)
	}

	cfg := m.configure(m)
	ch, err := m.host.Launch(ctx, m.workerType)
	if err != nil {
		log.Warn().Err(err).Str("worker", m.workerType).Msg("binding: host refused worker start")
		return BindDegraded, nil
	}
	conn := newConnection(m.workerType, ch, m.listeners)
	res, err := conn.Configure(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Str("worker", m.workerType).Msg("binding: worker rejected configuration")
		conn.shutdown(ctx)
		return BindDegraded, nil
	}

	m.mu.Lock()
	m.conn = conn
	m.config = cfg
	err = m.state.Event(ctx, eventBind)
	m.mu.Unlock()
	if err != nil {
		conn.shutdown(ctx)
		return BindDegraded, errors.Wrap(err, "binding: bind transition")
	}
	conn.setState(true)
	log.Info().Str("worker", m.workerType).Bool("started", res.Started).
		Bool("needs_bluetooth", cfg.NeedsBluetooth).Msg("binding: worker bound")
	return BindConnected, nil
}

// Unbind stops the worker and notifies listeners of the disconnect. The
// manager reads as unbound before listeners hear about it.
func (m *Manager) Unbind(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	if !m.state.Can(eventUnbind) {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotBound, "worker %s", m.workerType)
	}
	conn := m.conn
	err := m.state.Event(ctx, eventUnbind)
	m.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "binding: unbind transition")
	}
	if conn != nil {
		conn.shutdown(ctx)
		conn.setState(false)
	}
	log.Info().Str("worker", m.workerType).Msg("binding: worker unbound")
	return nil
}

// UpdateConfiguration rebuilds the configuration and pushes it to the running
// worker. While the connection is down the configuration is only kept for
// the next bind.
func (m *Manager) UpdateConfiguration(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.Wrapf(ErrNoConnection, "worker %s", m.workerType)
	}
	cfg := m.configure(m)
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	if !conn.Connected() {
		log.Debug().Str("worker", m.workerType).Msg("binding: worker disconnected, configuration kept")
		return nil
	}
	_, err := conn.Configure(ctx, cfg)
	return err
}

// IsAuthorizedFor reports whether a source of type id may register. Types
// without registration are always allowed.
func (m *Manager) IsAuthorizedFor(id source.Type, checkVersion bool) bool {
	if !id.RequiresRegistration {
		return true
	}
	if m.sources == nil {
		return false
	}
	return m.sources.Authorized(id, checkVersion)
}
