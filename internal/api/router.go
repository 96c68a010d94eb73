package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/teleop/broker/internal/dispatch"
	"github.com/teleop/broker/internal/transport"
)

// RouterConfig holds all dependencies needed to build the HTTP router,
// following the same single-struct constructor pattern arkeep's RouterConfig
// uses to keep NewRouter's signature stable as dependencies grow.
type RouterConfig struct {
	Hub        *transport.Hub
	Dispatcher *dispatch.Dispatcher
	DB         *gorm.DB
	Logger     *zap.Logger
}

// NewRouter builds the fully configured Chi router. Every route here is
// unauthenticated at the HTTP layer — authentication happens once, inside
// the $connect dispatch step, for the single long-lived handshake route.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	handshake := NewHandshakeHandler(cfg.Hub, cfg.Dispatcher, cfg.Logger)

	r.Get("/healthz", healthzHandler(cfg.Hub))
	r.Get("/readyz", readyzHandler(cfg.DB))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/connect", handshake.ServeHTTP)

	return r
}
