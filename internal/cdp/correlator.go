package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrCommandTimeout is returned when no response arrives within the command timeout
var ErrCommandTimeout = errors.New("cdp: command timeout")

// DefaultCommandTimeout bounds a single command round trip
const DefaultCommandTimeout = 30 * time.Second

// Sender writes an encoded frame to the target
type Sender interface {
	Send(data []byte) error
}

type result struct {
	resp *Response
	err  error
}

type pendingCommand struct {
	id       int64
	method   string
	issuedAt time.Time
	onReply  func()
	done     chan result
}

// Correlator matches responses to outstanding commands by id
type Correlator struct {
	sender  Sender
	timeout time.Duration
	onEvent func(Event)
	logger  *zap.Logger

	nextID  atomic.Int64
	orphans atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCommand
	failErr error
}

// NewCorrelator creates a correlator writing through sender. onEvent may be nil.
func NewCorrelator(sender Sender, timeout time.Duration, onEvent func(Event), logger *zap.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		sender:  sender,
		timeout: timeout,
		onEvent: onEvent,
		logger:  logger,
		pending: make(map[int64]*pendingCommand),
	}
}

// Send issues method with params and waits for its response
func (c *Correlator) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.SendNotify(ctx, method, params, nil)
}

// SendNotify is Send with onReply run on the dispatching goroutine as soon as the
// response is matched, before any later inbound frame is handled. onReply may be nil.
func (c *Correlator) SendNotify(ctx context.Context, method string, params any, onReply func()) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	data, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}

	cmd := &pendingCommand{
		id:       id,
		method:   method,
		issuedAt: time.Now(),
		onReply:  onReply,
		done:     make(chan result, 1),
	}

	c.mu.Lock()
	if c.failErr != nil {
		err := c.failErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = cmd
	c.mu.Unlock()

	if err := c.sender.Send(data); err != nil {
		c.remove(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-cmd.done:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			perr := *res.resp.Error
			perr.Method = method
			return nil, &perr
		}
		return res.resp.Result, nil

	case <-timer.C:
		c.remove(id)
		return nil, fmt.Errorf("%w: %s (id %d) after %s", ErrCommandTimeout, method, id, c.timeout)

	case <-ctx.Done():
		c.remove(id)
		return nil, ctx.Err()
	}
}

// Dispatch routes one inbound frame to its pending command or to the event sink
func (c *Correlator) Dispatch(data []byte) {
	in, err := DecodeInbound(data)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}

	if in.Event != nil {
		if c.onEvent != nil {
			c.onEvent(*in.Event)
		}
		return
	}

	resp := in.Response
	c.mu.Lock()
	cmd, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()

	if !ok {
		c.orphans.Add(1)
		c.logger.Debug("orphaned response", zap.Int64("id", resp.ID))
		return
	}

	if cmd.onReply != nil {
		cmd.onReply()
	}
	cmd.done <- result{resp: resp}
	c.logger.Debug("command completed",
		zap.String("method", cmd.method),
		zap.Int64("id", cmd.id),
		zap.Duration("elapsed", time.Since(cmd.issuedAt)))
}

// FailAll rejects every pending command with err and refuses new ones
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr == nil {
		c.failErr = err
	}
	for id, cmd := range c.pending {
		cmd.done <- result{err: err}
		delete(c.pending, id)
	}
}

// Pending returns the number of commands awaiting a response
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Orphaned returns how many responses arrived for unknown ids
func (c *Correlator) Orphaned() int64 {
	return c.orphans.Load()
}

func (c *Correlator) remove(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
