package binding

import (
	"context"
	"sync"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/status"
	"github.com/rs/zerolog/log"
)

// Worker RPC methods.
const (
	MethodConfigure = "worker.configure"
	MethodStatus    = "worker.status"
	MethodClose     = "worker.close"
)

// Configuration is the payload handed to a worker on bind and on every
// configuration update.
type Configuration struct {
	Settings       map[string]string `json:"settings,omitempty"`
	NeedsBluetooth bool              `json:"needs_bluetooth,omitempty"`
}

// ConfigureResult is the worker reply to MethodConfigure.
type ConfigureResult struct {
	Started  bool            `json:"started"`
	Snapshot status.Snapshot `json:"snapshot"`
}

// State is the connectivity of a Connection as observed by listeners.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Listener observes connection state changes.
type Listener func(workerType string, state State)

// Connection is the controller end of a worker channel.
type Connection struct {
	workerType string
	cli        *jrpc2.Client

	mu        sync.Mutex
	connected bool
	stopped   bool
	listeners []Listener
}

func newConnection(workerType string, ch channel.Channel, listeners []Listener) *Connection {
	c := &Connection{
		workerType: workerType,
		listeners:  append([]Listener(nil), listeners...),
	}
	c.cli = jrpc2.NewClient(ch, &jrpc2.ClientOptions{
		OnStop: func(_ *jrpc2.Client, err error) {
			if err != nil {
				log.Debug().Err(err).Str("worker", workerType).Msg("binding: worker channel stopped")
			}
			c.mu.Lock()
			c.stopped = true
			c.mu.Unlock()
			c.setState(false)
		},
	})
	return c
}

// WorkerType returns the worker this connection talks to.
func (c *Connection) WorkerType() string { return c.workerType }

// Connected reports whether the worker channel is live.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Configure pushes cfg to the worker.
func (c *Connection) Configure(ctx context.Context, cfg Configuration) (ConfigureResult, error) {
	var res ConfigureResult
	if err := c.cli.CallResult(ctx, MethodConfigure, cfg, &res); err != nil {
		return res, errors.Wrapf(err, "binding: configure %s", c.workerType)
	}
	return res, nil
}

// Status fetches the worker status snapshot.
func (c *Connection) Status(ctx context.Context) (status.Snapshot, error) {
	var snap status.Snapshot
	if err := c.cli.CallResult(ctx, MethodStatus, nil, &snap); err != nil {
		return snap, errors.Wrapf(err, "binding: status of %s", c.workerType)
	}
	return snap, nil
}

// shutdown asks the worker to close and then drops the channel.
func (c *Connection) shutdown(ctx context.Context) {
	if c.Connected() {
		if _, err := c.cli.Call(ctx, MethodClose, nil); err != nil {
			log.Debug().Err(err).Str("worker", c.workerType).Msg("binding: worker close call failed")
		}
	}
	if err := c.cli.Close(); err != nil {
		log.Debug().Err(err).Str("worker", c.workerType).Msg("binding: close worker channel")
	}
}

func (c *Connection) setState(connected bool) {
	c.mu.Lock()
	if c.connected == connected || (connected && c.stopped) {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	state := StateDisconnected
	if connected {
		state = StateConnected
	}
	for _, l := range listeners {
		l(c.workerType, state)
	}
}
