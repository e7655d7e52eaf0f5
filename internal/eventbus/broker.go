package eventbus

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/metrics"
	"github.com/rs/zerolog/log"
)

const writeTimeout = time.Second

// Broker serves the bus on a unix socket. Every event received from a peer,
// or published on the broker itself, is forwarded to all connected peers and
// to the broker's own subscribers.
type Broker struct {
	path  string
	ln    net.Listener
	local *Local

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
	wg     sync.WaitGroup
}

type peer struct {
	conn net.Conn
	mu   sync.Mutex
	enc  *cbor.Encoder
}

func (p *peer) send(ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.enc.Encode(ev)
}

// Listen binds the socket at path, replacing a stale socket file.
func Listen(path string) (*Broker, error) {
	if path == "" {
		return nil, errors.New("eventbus: empty socket path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "eventbus: create socket dir for %s", path)
	}
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "eventbus: listen on %s", path)
	}
	return &Broker{
		path:  path,
		ln:    ln,
		local: NewLocal(),
		peers: make(map[*peer]struct{}),
	}, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "eventbus: stat %s", path)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return errors.Errorf("eventbus: %s exists and is not a socket", path)
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return errors.Errorf("eventbus: broker already listening on %s", path)
	}
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "eventbus: remove stale socket %s", path)
	}
	return nil
}

// Path returns the socket path.
func (b *Broker) Path() string { return b.path }

// Serve accepts peers until ctx is done or the broker is closed.
func (b *Broker) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = b.Close() })
	defer stop()

	log.Info().Str("socket", b.path).Msg("eventbus broker listening")
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if b.isClosed() {
				b.wg.Wait()
				return nil
			}
			return errors.Wrap(err, "eventbus: accept")
		}
		p := &peer{conn: conn, enc: newEncoder(conn)}
		if !b.addPeer(p) {
			conn.Close()
			continue
		}
		b.wg.Add(1)
		go b.readPeer(p)
	}
}

func (b *Broker) addPeer(p *peer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.peers[p] = struct{}{}
	log.Debug().Int("peers", len(b.peers)).Msg("eventbus peer connected")
	return true
}

func (b *Broker) dropPeer(p *peer) {
	b.mu.Lock()
	_, ok := b.peers[p]
	delete(b.peers, p)
	n := len(b.peers)
	b.mu.Unlock()
	if ok {
		p.conn.Close()
		log.Debug().Int("peers", n).Msg("eventbus peer disconnected")
	}
}

func (b *Broker) readPeer(p *peer) {
	defer b.wg.Done()
	defer b.dropPeer(p)
	dec := newDecoder(p.conn)
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("eventbus: read from peer failed")
			}
			return
		}
		if err := validate(ev); err != nil {
			log.Warn().Err(err).Msg("eventbus: discard invalid event")
			continue
		}
		b.forward(ev)
	}
}

func (b *Broker) forward(ev Event) {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		if err := p.send(ev); err != nil {
			metrics.ObserveEventDropped(ev.Name)
			log.Warn().Err(err).Str("event", ev.Name).Msg("eventbus: drop slow or broken peer")
			b.dropPeer(p)
		}
	}
	if err := b.local.Publish(context.Background(), ev); err != nil && !errors.Is(err, ErrClosed) {
		log.Warn().Err(err).Str("event", ev.Name).Msg("eventbus: local delivery failed")
	}
}

// Publish forwards ev to all peers and local subscribers.
func (b *Broker) Publish(ctx context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrClosed
	}
	b.forward(ev)
	return nil
}

func (b *Broker) Subscribe(name string, h Handler) func() {
	return b.local.Subscribe(name, h)
}

// Peers returns the number of connected peers.
func (b *Broker) Peers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops accepting, disconnects all peers and removes the socket file.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	err := b.ln.Close()
	for _, p := range peers {
		p.conn.Close()
	}
	_ = b.local.Close()
	if rmErr := os.Remove(b.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		log.Debug().Err(rmErr).Str("socket", b.path).Msg("eventbus: remove socket failed")
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "eventbus: close listener")
	}
	return nil
}
