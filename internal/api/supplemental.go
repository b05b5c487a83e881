package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/edgeflow/meshgate/internal/health"
	"github.com/edgeflow/meshgate/internal/rules"
)

// GetConfig handles GET /api/:apikey/config — the gateway's own
// identity and network settings.
func (s *Service) GetConfig(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name":        s.Cfg.Gateway.Name,
		"uuid":        s.Cfg.Gateway.UUID,
		"channel":     s.Cfg.Gateway.Channel,
		"permitjoin":  s.Cfg.Gateway.PermitJoin,
		"apiversion":  "1.0.0",
	})
}

type configUpdateBody struct {
	Name       *string `json:"name"`
	Channel    *int    `json:"channel"`
	PermitJoin *bool   `json:"permitjoin"`
}

// PutConfig handles PUT /api/:apikey/config. The radio channel itself
// is fixed once a network forms; this only updates the in-memory
// record other endpoints read back, same as a Hue bridge reports the
// value it was told without re-forming the mesh.
func (s *Service) PutConfig(c *fiber.Ctx) error {
	var body configUpdateBody
	if err := c.BodyParser(&body); err != nil {
		return writeAPIError(c, &rules.APIError{Type: rules.ErrInvalidJSON, Address: "/config", Description: "invalid JSON"})
	}
	if body.Name != nil {
		s.Cfg.Gateway.Name = *body.Name
	}
	if body.Channel != nil {
		s.Cfg.Gateway.Channel = *body.Channel
	}
	if body.PermitJoin != nil {
		s.Cfg.Gateway.PermitJoin = *body.PermitJoin
	}
	return c.JSON(fiber.Map{"success": fiber.Map{"id": "config"}})
}

// GetHealth handles GET /health. No apikey: used by load balancers
// and orchestrators.
func (s *Service) GetHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	s.Health.RunAll(ctx)
	rep := s.Health.Report()

	status := fiber.StatusOK
	if rep.Status != health.StatusHealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(rep)
}

// GetDiagnostics handles GET /api/:apikey/diagnostics.
func (s *Service) GetDiagnostics(c *fiber.Ctx) error {
	if err := s.run(c, func() {
		s.Metrics.SetRegistryGauges(len(s.Reg.Lights()), len(s.Reg.Sensors()), len(s.Rules.List()))
	}); err != nil {
		return err
	}
	s.Metrics.UpdateSystemMetrics()
	return c.JSON(s.Metrics.GetMetrics())
}

// GetMetricsProm handles GET /metrics in Prometheus exposition format.
func (s *Service) GetMetricsProm(c *fiber.Ctx) error {
	s.Metrics.UpdateSystemMetrics()
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(s.Metrics.PrometheusFormat())
}

// WebSocketAuth gates the upgrade handshake with a JWT passed as the
// "token" query parameter, rejecting before the protocol switches.
func (s *Service) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	token := c.Query("token")
	if _, err := s.Tokens.Verify(token); err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
	}
	return c.Next()
}

// HandleWebSocket upgrades to the live-event channel.
func (s *Service) HandleWebSocket() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		s.Hub.HandleWebSocket(c)
	})
}
