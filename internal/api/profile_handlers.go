package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lcbro/lcbro/internal/profile"
)

// ProfileHandler serves the persisted browser profiles
type ProfileHandler struct {
	profiles *profile.Store
}

func NewProfileHandler(profiles *profile.Store) *ProfileHandler {
	return &ProfileHandler{profiles: profiles}
}

// CreateProfile handles POST /v1/profiles
func (h *ProfileHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, h.profiles.Create())
}

// ListProfiles handles GET /v1/profiles
func (h *ProfileHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.profiles.List())
}

// DeleteProfile handles DELETE /v1/profiles/{id}
func (h *ProfileHandler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.profiles.Delete(mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
