package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/edgeflow/meshgate/internal/api/middleware"
	"github.com/edgeflow/meshgate/internal/metrics"
)

// RegisterRoutes wires every HTTP route onto app: unauthenticated ops
// endpoints at the root, everything else under /api/:apikey guarded
// by middleware.Require.
func RegisterRoutes(app *fiber.App, s *Service) {
	app.Use(metrics.Middleware(s.Metrics))

	app.Get("/health", s.GetHealth)
	app.Get("/metrics", s.GetMetricsProm)

	app.Use("/ws", s.WebSocketAuth)
	app.Get("/ws", s.HandleWebSocket())

	api := app.Group("/api/:apikey", middleware.Require(s.APIKeys))

	api.Get("/config", s.GetConfig)
	api.Put("/config", s.PutConfig)
	api.Get("/diagnostics", s.GetDiagnostics)

	rulesGroup := api.Group("/rules")
	rulesGroup.Get("/", s.ListRules)
	rulesGroup.Post("/", s.CreateRule)
	rulesGroup.Get("/:id", s.GetRule)
	rulesGroup.Put("/:id", s.UpdateRule)
	rulesGroup.Delete("/:id", s.DeleteRule)

	lightsGroup := api.Group("/lights")
	lightsGroup.Get("/", s.ListLights)
	lightsGroup.Get("/:id", s.GetLight)

	sensorsGroup := api.Group("/sensors")
	sensorsGroup.Get("/", s.ListSensors)
	sensorsGroup.Get("/:id", s.GetSensor)
	sensorsGroup.Put("/:id/config", s.PutSensorConfig)

	groupsGroup := api.Group("/groups")
	groupsGroup.Get("/", s.ListGroups)
	groupsGroup.Get("/:id", s.GetGroup)
}
