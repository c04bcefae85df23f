package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lcbro/lcbro/internal/cdp"
	"github.com/lcbro/lcbro/internal/launcher"
	"github.com/lcbro/lcbro/internal/profile"
	"github.com/lcbro/lcbro/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps a domain error onto an HTTP status
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var protoErr *cdp.ProtocolError
	var evalErr *session.EvaluationError

	switch {
	case errors.Is(err, session.ErrContextNotFound),
		errors.Is(err, profile.ErrProfileNotFound),
		errors.Is(err, launcher.ErrNotLaunched):
		return http.StatusNotFound
	case errors.Is(err, session.ErrContextInactive):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooManyContexts):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrNoBrowsers),
		errors.Is(err, session.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, cdp.ErrMissingEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNavigationTimeout),
		errors.Is(err, cdp.ErrCommandTimeout),
		errors.Is(err, cdp.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &evalErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &protoErr),
		errors.Is(err, cdp.ErrTransportClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
