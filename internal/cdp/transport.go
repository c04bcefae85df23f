package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrMissingEndpoint = errors.New("cdp: websocket debugger url is empty")
	ErrConnectTimeout  = errors.New("cdp: connect timeout")
	ErrTransportClosed = errors.New("cdp: transport is closed")
)

const writeWait = 10 * time.Second

// CloseInfo describes how a transport ended
type CloseInfo struct {
	Clean  bool
	Code   int
	Reason string
}

// Handler receives inbound frames and the final close notification
type Handler interface {
	HandleMessage(data []byte)
	HandleClose(info CloseInfo)
}

// DialOptions tunes a Transport
type DialOptions struct {
	Timeout      time.Duration
	PingInterval time.Duration // 0 disables keep-alive pings
	Header       http.Header
	Logger       *zap.Logger
}

// Transport is one WebSocket connection to a debugger endpoint
type Transport struct {
	endpoint string
	conn     *websocket.Conn
	handler  Handler
	logger   *zap.Logger

	writeMu    sync.Mutex
	closed     atomic.Bool
	localClose atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}
}

// Dial opens a transport to endpoint. It returns once the handshake completes.
func Dial(ctx context.Context, endpoint string, opts DialOptions, handler Handler) (*Transport, error) {
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.Timeout,
	}

	conn, resp, err := dialer.DialContext(dialCtx, endpoint, opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		var netErr net.Error
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, endpoint, opts.Timeout)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	t := &Transport{
		endpoint: endpoint,
		conn:     conn,
		handler:  handler,
		logger:   logger.With(zap.String("endpoint", endpoint)),
		done:     make(chan struct{}),
	}

	go t.readLoop()
	if opts.PingInterval > 0 {
		go t.pingLoop(opts.PingInterval)
	}

	t.logger.Debug("transport open")
	return t, nil
}

// Endpoint returns the URL this transport was dialed with
func (t *Transport) Endpoint() string {
	return t.endpoint
}

// IsOpen reports whether frames can still be sent
func (t *Transport) IsOpen() bool {
	return !t.closed.Load()
}

// Done is closed after the read loop exits and the handler has been notified
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Send writes one text frame. Writes are serialized so frames keep their order.
func (t *Transport) Send(data []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close sends a normal closure frame and releases the socket. Safe to call repeatedly.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.localClose.Store(true)
		t.closed.Store(true)

		t.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			t.logger.Debug("close frame not sent", zap.Error(err))
		}
		t.writeMu.Unlock()

		t.conn.Close()
	})
	return nil
}

func (t *Transport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.finish(err)
			return
		}
		if t.handler != nil {
			t.handler.HandleMessage(data)
		}
	}
}

func (t *Transport) finish(err error) {
	t.closed.Store(true)
	t.conn.Close()

	info := closeInfo(err, t.localClose.Load())
	t.logger.Debug("transport closed",
		zap.Bool("clean", info.Clean),
		zap.Int("code", info.Code),
		zap.String("reason", info.Reason))

	if t.handler != nil {
		t.handler.HandleClose(info)
	}
	close(t.done)
}

func (t *Transport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func closeInfo(err error, local bool) CloseInfo {
	if local {
		return CloseInfo{Clean: true, Code: websocket.CloseNormalClosure, Reason: "closed locally"}
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{
			Clean:  ce.Code == websocket.CloseNormalClosure,
			Code:   ce.Code,
			Reason: ce.Text,
		}
	}
	return CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}
