package handler

import (
	"context"
	"net/http"
	"time"

	"collab-sync-server/internal/websocket"
	"collab-sync-server/pkg/response"
)

type HealthHandler struct {
	manager *websocket.Manager
}

func NewHealthHandler(manager *websocket.Manager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	stats, err := h.manager.Stats(ctx)
	if err != nil {
		response.Error(w, http.StatusServiceUnavailable, "connection manager unavailable")
		return
	}

	response.Success(w, map[string]interface{}{
		"status":      "healthy",
		"service":     "collab-sync-server",
		"connections": stats.Clients,
		"documents":   len(stats.Rooms),
	})
}
