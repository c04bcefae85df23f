package cdp_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lcbro/lcbro/internal/cdp"
	"github.com/lcbro/lcbro/internal/cdp/cdptest"
)

type recorder struct {
	mu       sync.Mutex
	messages [][]byte
	closed   chan cdp.CloseInfo
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan cdp.CloseInfo, 1)}
}

func (r *recorder) HandleMessage(data []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, data)
	r.mu.Unlock()
}

func (r *recorder) HandleClose(info cdp.CloseInfo) {
	r.closed <- info
}

func (r *recorder) waitClose(t *testing.T) cdp.CloseInfo {
	t.Helper()
	select {
	case info := <-r.closed:
		return info
	case <-time.After(2 * time.Second):
		t.Fatal("close was not reported")
		return cdp.CloseInfo{}
	}
}

func TestDialMissingEndpoint(t *testing.T) {
	_, err := cdp.Dial(context.Background(), "", cdp.DialOptions{}, newRecorder())
	assert.ErrorIs(t, err, cdp.ErrMissingEndpoint)
}

func TestDialTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// accept and never answer the handshake
	var (
		mu   sync.Mutex
		held []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, conn)
			mu.Unlock()
		}
	}()
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range held {
			conn.Close()
		}
	}()

	start := time.Now()
	_, err = cdp.Dial(context.Background(), "ws://"+ln.Addr().String()+"/devtools/page/X",
		cdp.DialOptions{Timeout: 100 * time.Millisecond}, newRecorder())
	assert.ErrorIs(t, err, cdp.ErrConnectTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDialRejected(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()
	srv.RejectUpgrade(true)

	_, err := cdp.Dial(context.Background(), srv.WebSocketURL(), cdp.DialOptions{Timeout: time.Second}, newRecorder())
	require.Error(t, err)
	assert.NotErrorIs(t, err, cdp.ErrConnectTimeout)
}

func TestTransportLocalCloseIsClean(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()

	rec := newRecorder()
	tr, err := cdp.Dial(context.Background(), srv.WebSocketURL(), cdp.DialOptions{Timeout: time.Second, Logger: zaptest.NewLogger(t)}, rec)
	require.NoError(t, err)
	assert.True(t, tr.IsOpen())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	info := rec.waitClose(t)
	assert.True(t, info.Clean)
	assert.False(t, tr.IsOpen())
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), cdp.ErrTransportClosed)
}

func TestTransportRemoteClose(t *testing.T) {
	tests := []struct {
		name  string
		close func(*cdptest.Server)
		clean bool
	}{
		{"normal closure", func(s *cdptest.Server) { s.CloseConnections(websocket.CloseNormalClosure) }, true},
		{"going away", func(s *cdptest.Server) { s.CloseConnections(websocket.CloseGoingAway) }, false},
		{"abrupt drop", func(s *cdptest.Server) { s.DropConnections() }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := cdptest.NewServer()
			defer srv.Close()

			rec := newRecorder()
			tr, err := cdp.Dial(context.Background(), srv.WebSocketURL(), cdp.DialOptions{Timeout: time.Second}, rec)
			require.NoError(t, err)
			require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 5*time.Millisecond)

			tt.close(srv)

			info := rec.waitClose(t)
			assert.Equal(t, tt.clean, info.Clean)
			<-tr.Done()
			assert.False(t, tr.IsOpen())
		})
	}
}

func TestConnCallRoundTrip(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()
	srv.Handle("Browser.getVersion", func(json.RawMessage) (any, error) {
		return map[string]string{"product": "Chrome/120"}, nil
	})

	events := make(chan cdp.Event, 4)
	conn, err := cdp.Connect(context.Background(), srv.WebSocketURL(), cdp.ConnOptions{
		Dial:           cdp.DialOptions{Timeout: time.Second, Logger: zaptest.NewLogger(t)},
		CommandTimeout: time.Second,
		OnEvent:        func(ev cdp.Event) { events <- ev },
	})
	require.NoError(t, err)
	defer conn.Close()

	res, err := conn.Call(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"product":"Chrome/120"}`, string(res))

	srv.Emit("Runtime.consoleAPICalled", map[string]string{"type": "log"})
	select {
	case ev := <-events:
		assert.Equal(t, "Runtime.consoleAPICalled", ev.Method)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestConnDropFailsPendingCommands(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()
	srv.Handle("Page.enable", func(json.RawMessage) (any, error) { return nil, cdptest.ErrNoReply })

	closed := make(chan cdp.CloseInfo, 1)
	conn, err := cdp.Connect(context.Background(), srv.WebSocketURL(), cdp.ConnOptions{
		Dial:           cdp.DialOptions{Timeout: time.Second},
		CommandTimeout: 5 * time.Second,
		OnClose:        func(info cdp.CloseInfo) { closed <- info },
	})
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "Page.enable", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return conn.Correlator().Pending() == 1 }, time.Second, 5*time.Millisecond)

	srv.DropConnections()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, cdp.ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command survived transport loss")
	}
	info := <-closed
	assert.False(t, info.Clean)
	assert.False(t, conn.IsOpen())
}
