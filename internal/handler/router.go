package handler

import (
	"log/slog"

	"fieldsync/internal/middleware"

	"github.com/gorilla/mux"
)

type Handlers struct {
	Health    *HealthHandler
	Auth      *AuthHandler
	Sync      *SyncHandler
	Conflicts *ConflictHandler
	Records   *RecordHandler
	WebSocket *WebSocketHandler
}

// NewRouter mounts every endpoint a node serves. Everything under /api/v1
// except the token exchange needs a node token.
func NewRouter(h Handlers, jwtSecret string, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))

	r.HandleFunc("/health", h.Health.Health).Methods("GET")
	r.HandleFunc("/ws", h.WebSocket.HandleConnection)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.SnappyMiddleware())

	api.HandleFunc("/auth/token", h.Auth.Token).Methods("POST")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(jwtSecret))

	protected.HandleFunc("/sync/download", h.Sync.Download).Methods("GET")
	protected.HandleFunc("/sync/upload", h.Sync.Upload).Methods("POST")
	protected.HandleFunc("/sync/batches/{id}", h.Sync.BatchOutcome).Methods("GET")
	protected.HandleFunc("/sync/status", h.Sync.Status).Methods("GET")

	protected.HandleFunc("/conflicts", h.Conflicts.List).Methods("GET")
	protected.HandleFunc("/conflicts/{id}", h.Conflicts.Get).Methods("GET")
	protected.HandleFunc("/conflicts/{id}/resolve", h.Conflicts.Resolve).Methods("POST")

	protected.HandleFunc("/records", h.Records.Create).Methods("POST")
	protected.HandleFunc("/records/{id}", h.Records.Get).Methods("GET")
	protected.HandleFunc("/records/{id}", h.Records.Update).Methods("PUT")

	return r
}
