package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lcbro/lcbro/pkg/models"
)

// Discoverer runs one discovery pass
type Discoverer interface {
	Discover(ctx context.Context) models.DiscoveryResult
}

// BrowserLauncher starts and stops managed browser containers
type BrowserLauncher interface {
	Launch(ctx context.Context, req models.LaunchBrowserRequest) (*models.LaunchedBrowser, error)
	Stop(ctx context.Context, containerID string) error
	List() []models.LaunchedBrowser
}

// Handler serves discovery and browser launch endpoints
type Handler struct {
	directory Discoverer
	launcher  BrowserLauncher
	contexts  func() int
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler. launcher may be nil when auto launch is off.
func NewHandler(directory Discoverer, launcher BrowserLauncher, activeContexts func() int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		directory: directory,
		launcher:  launcher,
		contexts:  activeContexts,
		logger:    logger,
	}
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	active := 0
	if h.contexts != nil {
		active = h.contexts()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeContexts": active,
	})
}

// ListBrowsers handles GET /v1/browsers
func (h *Handler) ListBrowsers(w http.ResponseWriter, r *http.Request) {
	res := h.directory.Discover(r.Context())
	writeJSON(w, http.StatusOK, res)
}

// LaunchBrowser handles POST /v1/browsers/launch
func (h *Handler) LaunchBrowser(w http.ResponseWriter, r *http.Request) {
	if h.launcher == nil {
		writeError(w, http.StatusNotImplemented, "browser launching is disabled")
		return
	}

	var req models.LaunchBrowserRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	launched, err := h.launcher.Launch(r.Context(), req)
	if err != nil {
		h.logger.Error("browser launch failed", zap.Error(err))
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, launched)
}

// ListLaunched handles GET /v1/browsers/launched
func (h *Handler) ListLaunched(w http.ResponseWriter, r *http.Request) {
	if h.launcher == nil {
		writeJSON(w, http.StatusOK, []models.LaunchedBrowser{})
		return
	}
	writeJSON(w, http.StatusOK, h.launcher.List())
}

// StopBrowser handles DELETE /v1/browsers/launched/{id}
func (h *Handler) StopBrowser(w http.ResponseWriter, r *http.Request) {
	if h.launcher == nil {
		writeError(w, http.StatusNotImplemented, "browser launching is disabled")
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.launcher.Stop(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeOptional decodes a JSON body, treating an empty body as the zero value
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
