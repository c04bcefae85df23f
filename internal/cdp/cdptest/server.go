// Package cdptest provides a scriptable DevTools endpoint for tests.
package cdptest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lcbro/lcbro/internal/cdp"
	"github.com/lcbro/lcbro/pkg/models"
)

// ErrNoReply makes a handler swallow the command without answering
var ErrNoReply = errors.New("cdptest: no reply")

// HandlerFunc answers one command. Returning a *cdp.ProtocolError sends an error payload.
type HandlerFunc func(params json.RawMessage) (any, error)

const targetID = "ABC"

type peer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peer) write(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteJSON(v)
}

// Server is a fake browser exposing /json/version, /json and a page websocket
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	peers     map[*peer]struct{}
	methods   []string
	dials     int
	reject    bool
	noLoad    bool
	browser   string
	versionID string
}

// NewServer starts a fake browser reporting itself as Chrome
func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]HandlerFunc),
		peers:    make(map[*peer]struct{}),
		browser:  "Chrome/120.0.6099.109",
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.handlers["Page.navigate"] = func(json.RawMessage) (any, error) {
		return map[string]string{"frameId": "F1"}, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.serveVersion)
	mux.HandleFunc("/json", s.serveTargets)
	mux.HandleFunc("/json/list", s.serveTargets)
	mux.HandleFunc("/devtools/", s.serveWebSocket)

	s.Server = httptest.NewServer(mux)
	return s
}

// SetBrowser changes the Browser string reported by /json/version
func (s *Server) SetBrowser(browser string) {
	s.mu.Lock()
	s.browser = browser
	s.mu.Unlock()
}

// SetVersionID makes /json/version report an id field
func (s *Server) SetVersionID(id string) {
	s.mu.Lock()
	s.versionID = id
	s.mu.Unlock()
}

// Handle overrides the response for method
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// SetAutoLoad controls whether Page.navigate replies are followed by Page.loadEventFired.
// It is on by default.
func (s *Server) SetAutoLoad(on bool) {
	s.mu.Lock()
	s.noLoad = !on
	s.mu.Unlock()
}

// RejectUpgrade makes websocket handshakes fail with 503
func (s *Server) RejectUpgrade(reject bool) {
	s.mu.Lock()
	s.reject = reject
	s.mu.Unlock()
}

// Port returns the listening TCP port
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Host returns the listening host
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Listener.Addr().String())
	return host
}

// WebSocketURL is the page debugger endpoint
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/devtools/page/" + targetID
}

// Descriptor describes this fake as discovery would
func (s *Server) Descriptor() models.BrowserDescriptor {
	s.mu.Lock()
	version := s.browser
	s.mu.Unlock()

	return models.BrowserDescriptor{
		ID:                   fmt.Sprintf("browser_%d", s.Port()),
		Title:                version,
		Type:                 models.BrowserChrome,
		URL:                  "about:blank",
		WebSocketDebuggerURL: s.WebSocketURL(),
		Version:              version,
		Description:          fmt.Sprintf("Browser on %s:%d", s.Host(), s.Port()),
	}
}

// Methods returns every command method received, in order
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

// Dials counts websocket connection attempts, including rejected ones
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Connections returns the number of open websocket peers
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Emit sends an event to every connected peer
func (s *Server) Emit(method string, params any) {
	for _, p := range s.snapshot() {
		p.write(map[string]any{"method": method, "params": params})
	}
}

// SendRaw writes an arbitrary JSON value to every connected peer
func (s *Server) SendRaw(v any) {
	for _, p := range s.snapshot() {
		p.write(v)
	}
}

// DropConnections kills every peer socket without a close frame
func (s *Server) DropConnections() {
	for _, p := range s.snapshot() {
		p.ws.UnderlyingConn().Close()
	}
}

// CloseConnections sends a close frame with code to every peer
func (s *Server) CloseConnections(code int) {
	for _, p := range s.snapshot() {
		p.mu.Lock()
		p.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"))
		p.mu.Unlock()
		p.ws.Close()
	}
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

func (s *Server) serveVersion(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body := map[string]string{
		"Browser":              s.browser,
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": s.WebSocketURL(),
	}
	if s.versionID != "" {
		body["id"] = s.versionID
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) serveTargets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode([]map[string]string{
		{"id": "SW1", "type": "service_worker", "url": "chrome://serviceworker", "title": "worker"},
		{"id": targetID, "type": "page", "url": "about:blank", "title": "New Tab", "webSocketDebuggerUrl": s.WebSocketURL()},
	})
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	reject := s.reject
	s.mu.Unlock()

	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{ws: ws}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		s.mu.Lock()
		s.methods = append(s.methods, req.Method)
		fn := s.handlers[req.Method]
		s.mu.Unlock()

		s.reply(p, req.ID, req.Method, req.Params, fn)
	}
}

func (s *Server) reply(p *peer, id int64, method string, params json.RawMessage, fn HandlerFunc) {
	var res any = struct{}{}
	if fn != nil {
		out, err := fn(params)
		if errors.Is(err, ErrNoReply) {
			return
		}
		var perr *cdp.ProtocolError
		if errors.As(err, &perr) {
			p.write(map[string]any{"id": id, "error": perr})
			return
		}
		if err != nil {
			p.write(map[string]any{"id": id, "error": map[string]any{"code": -32000, "message": err.Error()}})
			return
		}
		if out != nil {
			res = out
		}
	}

	p.write(map[string]any{"id": id, "result": res})

	s.mu.Lock()
	noLoad := s.noLoad
	s.mu.Unlock()

	if method == "Page.navigate" && !noLoad {
		p.write(map[string]any{"method": "Page.loadEventFired", "params": map[string]float64{"timestamp": 1}})
	}
}
