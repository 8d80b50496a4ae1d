package handler

import (
	"net/http"

	"collab-sync-server/internal/config"
	"collab-sync-server/internal/middleware"
	"collab-sync-server/internal/service"
	"collab-sync-server/internal/websocket"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

func NewRouter(cfg *config.Config, svc *service.DocumentService, manager *websocket.Manager, logger zerolog.Logger) *mux.Router {
	databaseHandler := NewDatabaseHandler(svc, logger)
	wsHandler := NewWebSocketHandler(manager, cfg.JWT.Secret, cfg.WebSocket, logger)
	healthHandler := NewHealthHandler(manager)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	api.HandleFunc("/databases", databaseHandler.Create).Methods("POST", "OPTIONS")
	api.HandleFunc("/databases/{id}/rows", databaseHandler.CreateRow).Methods("POST", "OPTIONS")
	api.HandleFunc("/databases/{id}/rows/{row_id}", databaseHandler.DeleteRow).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/databases/{id}/rows/{row_id}/cells/{field_id}", databaseHandler.UpdateCell).Methods("PUT", "OPTIONS")
	api.HandleFunc("/databases/{id}/rows/{row_id}/cells/{field_id}", databaseHandler.ClearCell).Methods("DELETE", "OPTIONS")

	views := api.PathPrefix("/databases/{id}/views/{view_id}").Subrouter()
	views.HandleFunc("", databaseHandler.GetView).Methods("GET", "OPTIONS")
	views.HandleFunc("/filters", databaseHandler.InsertFilter).Methods("POST", "OPTIONS")
	views.HandleFunc("/filters/{filter_id}", databaseHandler.UpdateFilter).Methods("PUT", "OPTIONS")
	views.HandleFunc("/filters/{filter_id}", databaseHandler.DeleteFilter).Methods("DELETE", "OPTIONS")
	views.HandleFunc("/sorts", databaseHandler.InsertSort).Methods("POST", "OPTIONS")
	views.HandleFunc("/sorts/{sort_id}", databaseHandler.DeleteSort).Methods("DELETE", "OPTIONS")
	views.HandleFunc("/calculations", databaseHandler.InsertCalculation).Methods("POST", "OPTIONS")
	views.HandleFunc("/calculations/{calculation_id}", databaseHandler.DeleteCalculation).Methods("DELETE", "OPTIONS")
	views.HandleFunc("/rows/{row_id}/move", databaseHandler.MoveRow).Methods("POST", "OPTIONS")

	r.HandleFunc("/ws/{collab_type}/{doc_id}", wsHandler.HandleConnection).Methods("GET")
	r.HandleFunc("/health", healthHandler.Health).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	return r
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"Collab Sync Server API","version":"1.0.0","endpoints":{"/ws/{collab_type}/{doc_id}":"GET (websocket)","/api/v1/databases/{id}/views/{view_id}":"GET (protected)","/health":"GET"}}`))
}
