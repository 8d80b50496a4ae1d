package handler

import (
	"net/http"

	"collab-sync-server/internal/config"
	"collab-sync-server/internal/middleware"
	"collab-sync-server/internal/service"
	"collab-sync-server/internal/websocket"
	"collab-sync-server/pkg/jwt"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
	logger    zerolog.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, cfg config.WebSocketConfig, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With().Str("component", "ws_handler").Logger(),
	}
}

// HandleConnection upgrades GET /ws/{collab_type}/{doc_id}. Every binary
// frame on the connection is one sync envelope for that document.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	collabType, documentID := vars["collab_type"], vars["doc_id"]
	if !service.ValidCollabType(collabType) {
		http.Error(w, "unknown collab type", http.StatusBadRequest)
		return
	}

	token := middleware.BearerToken(r)
	if token == "" {
		h.logger.Debug().Msg("missing authorization token")
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.logger.Info().Err(err).Msg("token validation failed")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if claims.TokenType == jwt.TokenTypeRefresh {
		http.Error(w, "refresh tokens cannot open documents", http.StatusUnauthorized)
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-ID")
	}
	if deviceID == "" {
		deviceID = "default"
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := websocket.NewClient(uuid.NewString(), claims.UserID, deviceID, collabType, documentID, conn, h.manager)
	h.logger.Debug().
		Str("client_id", client.ID).
		Str("user_id", client.UserID).
		Str("room", client.Room()).
		Msg("connection upgraded")

	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
