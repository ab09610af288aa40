package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/lovable-ai/lovable-chat/internal/metrics"
	"github.com/lovable-ai/lovable-chat/internal/mw"
)

func NewRouter(h *Handler, env string) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(metrics.Middleware)
	r.Use(mw.CORS(env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.RegisterHandler)
		r.Post("/auth/login", h.LoginHandler)
		r.Post("/chat", h.ChatHandler)
		r.Get("/chat/history", h.HistoryHandler)
		r.Get("/models", h.ModelsHandler)
		r.Get("/db/status", h.DBStatusHandler)
	})

	return r
}
