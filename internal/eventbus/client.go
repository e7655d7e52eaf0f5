package eventbus

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Client is a bus connected to a Broker. Published events travel through the
// broker, so the client's own subscribers also see them.
type Client struct {
	conn  net.Conn
	local *Local

	mu  sync.Mutex
	enc *cbor.Encoder

	closeOnce sync.Once
	readDone  chan struct{}
}

// Dial connects to the broker listening at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "eventbus: dial %s", path)
	}
	c := &Client{
		conn:     conn,
		local:    NewLocal(),
		enc:      newEncoder(conn),
		readDone: make(chan struct{}),
	}
	go c.read()
	return c, nil
}

func (c *Client) read() {
	defer close(c.readDone)
	dec := newDecoder(c.conn)
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("eventbus: client read failed")
			}
			_ = c.local.Close()
			return
		}
		if err := c.local.Publish(context.Background(), ev); err != nil && !errors.Is(err, ErrClosed) {
			log.Warn().Err(err).Str("event", ev.Name).Msg("eventbus: client delivery failed")
		}
	}
}

// Publish sends ev to the broker.
func (c *Client) Publish(ctx context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		return err
	}
	select {
	case <-c.readDone:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.enc.Encode(ev); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return errors.Wrapf(err, "eventbus: publish %s", ev.Name)
	}
	return nil
}

func (c *Client) Subscribe(name string, h Handler) func() {
	return c.local.Subscribe(name, h)
}

// Flush waits until events received so far have been delivered locally.
func (c *Client) Flush(ctx context.Context) error {
	return c.local.Flush(ctx)
}

// Done is closed once the connection to the broker is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		_ = c.local.Close()
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "eventbus: close client")
	}
	return nil
}
