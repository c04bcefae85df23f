package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lcbro/lcbro/internal/proxy"
	"github.com/lcbro/lcbro/internal/session"
	"github.com/lcbro/lcbro/pkg/models"
)

// ContextHandler holds dependencies for context HTTP handlers
type ContextHandler struct {
	sessions *session.Manager
	proxy    *proxy.Server
	logger   *zap.Logger
}

// NewContextHandler creates a new context HTTP handler
func NewContextHandler(sessions *session.Manager, proxyServer *proxy.Server, logger *zap.Logger) *ContextHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextHandler{
		sessions: sessions,
		proxy:    proxyServer,
		logger:   logger,
	}
}

// CreateContext handles POST /v1/contexts.
// An explicit endpoint wins over a browser id; with neither the first available browser is used.
func (h *ContextHandler) CreateContext(w http.ResponseWriter, r *http.Request) {
	var req models.CreateContextRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var (
		info models.ConnectionContext
		err  error
	)
	switch {
	case req.WebSocketDebuggerURL != "":
		info, err = h.sessions.ConnectToBrowser(r.Context(), models.BrowserDescriptor{
			ID:                   req.BrowserID,
			WebSocketDebuggerURL: req.WebSocketDebuggerURL,
		})
	case req.BrowserID != "":
		info, err = h.sessions.ConnectByID(r.Context(), req.BrowserID)
	default:
		info, err = h.sessions.ConnectFirstAvailable(r.Context())
	}
	if err != nil {
		h.logger.Warn("context creation failed", zap.Error(err))
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// ListContexts handles GET /v1/contexts. ?active=true limits the list to live contexts.
func (h *ContextHandler) ListContexts(w http.ResponseWriter, r *http.Request) {
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		writeJSON(w, http.StatusOK, h.sessions.ActiveContexts())
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.ListContexts())
}

// GetContext handles GET /v1/contexts/{id}
func (h *ContextHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.GetContext(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DeleteContext handles DELETE /v1/contexts/{id}
func (h *ContextHandler) DeleteContext(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.CloseContext(mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Navigate handles POST /v1/contexts/{id}/navigate
func (h *ContextHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req models.NavigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	info, err := h.sessions.Navigate(r.Context(), mux.Vars(r)["id"], req.URL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Evaluate handles POST /v1/contexts/{id}/evaluate
func (h *ContextHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req models.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Expression == "" {
		writeError(w, http.StatusBadRequest, "expression is required")
		return
	}

	value, err := h.sessions.Evaluate(r.Context(), mux.Vars(r)["id"], req.Expression)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": value})
}

// Screenshot handles GET /v1/contexts/{id}/screenshot?format=jpeg&quality=80&fullPage=true
func (h *ContextHandler) Screenshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := models.ScreenshotOptions{Format: q.Get("format")}
	switch opts.Format {
	case "", "png", "jpeg", "webp":
	default:
		writeError(w, http.StatusBadRequest, "unsupported format "+strconv.Quote(opts.Format))
		return
	}
	if v := q.Get("quality"); v != "" {
		quality, err := strconv.Atoi(v)
		if err != nil || quality < 0 || quality > 100 {
			writeError(w, http.StatusBadRequest, "quality must be between 0 and 100")
			return
		}
		opts.Quality = quality
	}
	opts.FullPage, _ = strconv.ParseBool(q.Get("fullPage"))

	img, err := h.sessions.Screenshot(r.Context(), mux.Vars(r)["id"], opts)
	if err != nil {
		writeErr(w, err)
		return
	}

	format := opts.Format
	if format == "" {
		format = "png"
	}
	w.Header().Set("Content-Type", "image/"+format)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(img)
}

// Content handles GET /v1/contexts/{id}/content
func (h *ContextHandler) Content(w http.ResponseWriter, r *http.Request) {
	html, err := h.sessions.PageContent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}

// DebugSocket handles GET /v1/contexts/{id}/ws
func (h *ContextHandler) DebugSocket(w http.ResponseWriter, r *http.Request) {
	h.proxy.HandleDebugConnection(w, r, mux.Vars(r)["id"])
}

// Events handles GET /v1/contexts/{id}/events
func (h *ContextHandler) Events(w http.ResponseWriter, r *http.Request) {
	h.proxy.HandleEvents(w, r, mux.Vars(r)["id"])
}
