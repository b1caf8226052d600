package http

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bastion/internal/platform/health"
	"bastion/pkg/platform/middleware/auth"
	"bastion/pkg/platform/middleware/metadata"
	"bastion/pkg/platform/middleware/ratelimit"
	"bastion/pkg/platform/middleware/request"
)

// RouterConfig collects everything the router needs beyond the handler
// itself. Probes and metrics stay outside the authenticated group so
// orchestration never needs a token.
type RouterConfig struct {
	Handler        *Handler
	Health         *health.Handler
	Auth           *auth.Middleware
	Limiter        *ratelimit.Limiter
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

// NewRouter wires the middleware stack and all endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(request.Recovery(cfg.Logger))
	r.Use(request.RequestID)
	r.Use(metadata.New(cfg.TrustedProxies).Handler)
	r.Use(request.Logger(cfg.Logger))
	r.Use(chimw.Timeout(30 * time.Second))

	cfg.Health.Register(r)
	r.Get("/healthz", cfg.Health.HandleLiveness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(request.ContentTypeJSON)
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Handler)
		}
		r.Use(cfg.Auth.Handler)
		cfg.Handler.Register(r)
	})

	return r
}
