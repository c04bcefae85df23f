package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Conn pairs a Transport with its Correlator
type Conn struct {
	corr    *Correlator
	onClose func(CloseInfo)

	mu        sync.RWMutex
	transport *Transport
}

// ConnOptions configures Connect
type ConnOptions struct {
	Dial           DialOptions
	CommandTimeout time.Duration
	OnEvent        func(Event)
	OnClose        func(CloseInfo)
}

// Connect dials endpoint and returns a Conn ready for commands.
// OnClose runs after pending commands have been failed.
func Connect(ctx context.Context, endpoint string, opts ConnOptions) (*Conn, error) {
	logger := opts.Dial.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Conn{onClose: opts.OnClose}
	c.corr = NewCorrelator(c, opts.CommandTimeout, opts.OnEvent, logger.With(zap.String("endpoint", endpoint)))

	t, err := Dial(ctx, endpoint, opts.Dial, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
	return c, nil
}

// Call sends a command and waits for its result
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.corr.Send(ctx, method, params)
}

// CallNotify is Call with a hook run on the read goroutine when the response lands
func (c *Conn) CallNotify(ctx context.Context, method string, params any, onReply func()) (json.RawMessage, error) {
	return c.corr.SendNotify(ctx, method, params, onReply)
}

// Send implements Sender over the underlying transport
func (c *Conn) Send(data []byte) error {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()

	if t == nil {
		return ErrTransportClosed
	}
	return t.Send(data)
}

// SendRaw writes a caller-encoded frame bypassing correlation
func (c *Conn) SendRaw(data []byte) error {
	return c.Send(data)
}

// Close closes the transport
func (c *Conn) Close() error {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()

	if t == nil {
		return nil
	}
	return t.Close()
}

// IsOpen reports whether the transport is still open
func (c *Conn) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport != nil && c.transport.IsOpen()
}

// Done is closed once the transport has shut down
func (c *Conn) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport.Done()
}

// Correlator exposes the command table for diagnostics
func (c *Conn) Correlator() *Correlator {
	return c.corr
}

// HandleMessage implements Handler
func (c *Conn) HandleMessage(data []byte) {
	c.corr.Dispatch(data)
}

// HandleClose implements Handler
func (c *Conn) HandleClose(info CloseInfo) {
	c.corr.FailAll(ErrTransportClosed)
	if c.onClose != nil {
		c.onClose(info)
	}
}
