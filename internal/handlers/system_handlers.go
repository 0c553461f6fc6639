package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"proxchat/internal/auth"
	"proxchat/internal/ghost"
	"proxchat/internal/presence"
)

type SystemHandlers struct {
	authService *auth.Service
	registry    *presence.Registry
	sweeper     *ghost.Sweeper
	startedAt   time.Time
}

func NewSystemHandlers(authService *auth.Service, registry *presence.Registry, sweeper *ghost.Sweeper) *SystemHandlers {
	return &SystemHandlers{
		authService: authService,
		registry:    registry,
		sweeper:     sweeper,
		startedAt:   time.Now(),
	}
}

func (h *SystemHandlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// Stats reports the live presence picture. Counts come straight from
// the in-memory registry, not the durable counters.
func (h *SystemHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.registry.Stats())
}

func (h *SystemHandlers) SweepStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs": h.sweeper.Status(),
	})
}

// RunSweeps fires every sweep immediately, outside their timers.
func (h *SystemHandlers) RunSweeps(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	results := h.sweeper.RunAll(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

func (h *SystemHandlers) authorized(r *http.Request) bool {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		return false
	}
	_, err := h.authService.GetUserFromToken(r.Context(), tokenStr)
	return err == nil
}
