package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lcbro/lcbro/internal/cdp"
	"github.com/lcbro/lcbro/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	eventBuffer    = 256
	maxClientFrame = 16 << 20
	relayErrorCode = -32000
	invalidReqCode = -32600
	parseErrorCode = -32700
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Sessions is what the relay needs from the session manager
type Sessions interface {
	GetContext(id string) (models.ConnectionContext, error)
	Call(ctx context.Context, id, method string, params any) (json.RawMessage, error)
	Subscribe(id string, buffer int) (<-chan models.ContextEvent, func(), error)
}

// Server relays client WebSocket connections onto managed CDP contexts
type Server struct {
	sessions Sessions
	logger   *zap.Logger
}

func NewServer(sessions Sessions, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessions: sessions,
		logger:   logger,
	}
}

type clientFrame struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type relayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type relayResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *relayError     `json:"error,omitempty"`
}

type relayEvent struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// peer serializes writes to one client connection
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(v)
}

// checkContext answers the HTTP request itself when the context cannot be relayed
func (s *Server) checkContext(w http.ResponseWriter, contextID string) bool {
	info, err := s.sessions.GetContext(contextID)
	if err != nil {
		http.Error(w, "Context not found", http.StatusNotFound)
		return false
	}
	if !info.IsActive {
		http.Error(w, "Context is not active", http.StatusConflict)
		return false
	}
	return true
}

// HandleDebugConnection speaks CDP with the client. Client command ids are kept
// on the way back; the context's own correlator assigns the ids the browser sees.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, contextID string) {
	if !s.checkContext(w, contextID) {
		return
	}

	events, unsubscribe, err := s.sessions.Subscribe(contextID, eventBuffer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer unsubscribe()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer clientConn.Close()
	clientConn.SetReadLimit(maxClientFrame)

	log := s.logger.With(zap.String("contextId", contextID))
	log.Info("client attached to context")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	p := &peer{conn: clientConn}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					p.writeClose(websocket.CloseGoingAway, "context closed")
					return
				}
				if err := p.writeJSON(relayEvent{Method: ev.Method, Params: ev.Params}); err != nil {
					return
				}
			}
		}
	}()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		_, data, err := clientConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("client read failed", zap.Error(err))
			}
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.writeJSON(relayResponse{Error: &relayError{Code: parseErrorCode, Message: err.Error()}})
			continue
		}
		if frame.Method == "" {
			p.writeJSON(relayResponse{ID: frame.ID, Error: &relayError{Code: invalidReqCode, Message: "method is required"}})
			continue
		}

		inflight.Add(1)
		go func(frame clientFrame) {
			defer inflight.Done()
			p.writeJSON(s.relay(ctx, contextID, frame))
		}(frame)
	}

	cancel()
	log.Info("client detached from context")
}

func (s *Server) relay(ctx context.Context, contextID string, frame clientFrame) relayResponse {
	var params any
	if len(frame.Params) > 0 {
		params = frame.Params
	}

	result, err := s.sessions.Call(ctx, contextID, frame.Method, params)
	if err == nil {
		if len(result) == 0 {
			result = json.RawMessage("{}")
		}
		return relayResponse{ID: frame.ID, Result: result}
	}

	var protoErr *cdp.ProtocolError
	if errors.As(err, &protoErr) {
		return relayResponse{ID: frame.ID, Error: &relayError{Code: protoErr.Code, Message: protoErr.Message}}
	}
	return relayResponse{ID: frame.ID, Error: &relayError{Code: relayErrorCode, Message: err.Error()}}
}

// HandleEvents streams the context's events to the client as JSON frames
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request, contextID string) {
	if !s.checkContext(w, contextID) {
		return
	}

	events, unsubscribe, err := s.sessions.Subscribe(contextID, eventBuffer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer unsubscribe()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	p := &peer{conn: clientConn}

	// reads only to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := clientConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				p.writeClose(websocket.CloseGoingAway, "context closed")
				return
			}
			if err := p.writeJSON(ev); err != nil {
				return
			}
		}
	}
}

func (p *peer) writeClose(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
