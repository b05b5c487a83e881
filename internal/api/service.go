// Package api is the REST transport: fiber routing under
// /api/:apikey/..., rules CRUD plus read-only
// lights/sensors/groups/scenes siblings, the supplemental config,
// health, and diagnostics endpoints, and a JWT-gated
// websocket channel, re-pointed at the gateway domain instead of
// flow/node CRUD.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/api/middleware"
	"github.com/edgeflow/meshgate/internal/cache"
	"github.com/edgeflow/meshgate/internal/config"
	"github.com/edgeflow/meshgate/internal/health"
	"github.com/edgeflow/meshgate/internal/metrics"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/registry"
	"github.com/edgeflow/meshgate/internal/rules"
	"github.com/edgeflow/meshgate/internal/security"
	"github.com/edgeflow/meshgate/internal/websocket"
)

// Service bundles every dependency the HTTP handlers need. It never
// touches the registry/pipeline/rules engine directly from a request
// goroutine for anything that isn't a plain read — writes implied by
// rule actions are replayed synchronously through the rules engine's
// own ReplayFunc, which the gateway event loop installs, keeping
// those packages single-goroutine-owned.
type Service struct {
	Cfg     *config.Config
	Reg     *registry.Registry
	Cache   *cache.Cache
	Pipe    *pipeline.Pipeline
	Rules   *rules.Engine
	Health  *health.Checker
	Metrics *metrics.Metrics
	Hub     *websocket.Hub
	Tokens  *security.TokenIssuer
	APIKeys *middleware.APIKeyStore
	Log     *zap.Logger

	// Exec runs a closure on the gateway's event-loop goroutine, so a
	// handler's rules/registry access observes the same single-owner
	// discipline as radio and tick handling. Nil (in
	// tests) runs the closure inline.
	Exec func(ctx context.Context, fn func()) bool

	// OnWrite is invoked after every successful mutating request; the
	// composition root points it at the gateway's idle-clock reset.
	OnWrite func()

	startedAt time.Time
}

// run executes fn with single-owner discipline, responding 503 if the
// event loop cannot take the call before the request context expires.
func (s *Service) run(c *fiber.Ctx, fn func()) error {
	if s.Exec == nil {
		fn()
		return nil
	}
	if !s.Exec(c.Context(), fn) {
		return fiber.NewError(fiber.StatusServiceUnavailable, "gateway busy")
	}
	return nil
}

func (s *Service) noteWrite() {
	if s.OnWrite != nil {
		s.OnWrite()
	}
}

// NewService wires a Service from already-constructed components (the
// gateway's composition root, cmd/meshgate/main.go, builds all of
// these before starting the event loop and handing them here).
func NewService(cfg *config.Config, reg *registry.Registry, cch *cache.Cache, pipe *pipeline.Pipeline,
	eng *rules.Engine, hc *health.Checker, m *metrics.Metrics, hub *websocket.Hub,
	tokens *security.TokenIssuer, apiKeys *middleware.APIKeyStore, log *zap.Logger) *Service {
	return &Service{
		Cfg:       cfg,
		Reg:       reg,
		Cache:     cch,
		Pipe:      pipe,
		Rules:     eng,
		Health:    hc,
		Metrics:   m,
		Hub:       hub,
		Tokens:    tokens,
		APIKeys:   apiKeys,
		Log:       log,
		startedAt: time.Now(),
	}
}
