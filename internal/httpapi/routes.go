package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lan-quiz/internal/ws"
)

type Deps struct {
	Host     Host
	Sessions SnapshotSource
	// WS is nil when the WebSocket bridge is disabled.
	WS       ws.Server
	WSOpts   ws.Options
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/status", Status(d.Host))
	if d.Sessions != nil {
		r.Get("/snapshot", CurrentSnapshot(d.Sessions))
	}
	r.Post("/broadcast", Broadcast(d.Host))
	if d.WS != nil {
		opts := d.WSOpts
		if opts.Logger == nil {
			opts.Logger = d.Logger
		}
		r.Get("/ws", ws.Handler(d.WS, opts))
	}
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
