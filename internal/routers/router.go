package routers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"collabroom/internal/api"
	"collabroom/internal/metrics"
)

// New builds the HTTP surface. No request timeout middleware: the websocket
// route holds its request for the life of the connection.
func New(h *api.Handlers, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, metrics.Middleware)

	r.Get("/healthz", h.Health)
	r.Get("/api/v1/healthz", h.Health)
	r.Get("/api/v1/rooms/stats", h.RoomStats)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/ws", h.CollabWS)

	return r
}
