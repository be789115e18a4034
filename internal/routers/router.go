package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"codeblock/internal/api"
	"codeblock/internal/config"
	"codeblock/internal/metrics"
)

func New(h *api.Handlers, cfg config.ServerConfig) http.Handler {
	service := cfg.ServiceName
	if service == "" {
		service = "codeblock"
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		metrics.Middleware(service),
	)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/healthz", h.Health)
		r.Get("/languages", h.ListLanguages)
		r.Post("/run", h.RunOnce)
		r.Get("/blocks/{blockId}/exercise", h.GetExercise)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Get("/blocks", h.ListBlocks)
			r.Get("/blocks/{blockId}", h.GetBlock)
		})
	})

	r.Get("/ws/blocks/{blockId}", h.BlockWS)

	return r
}
