package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/edgeflow/meshgate/internal/etag"
	"github.com/edgeflow/meshgate/internal/registry"
	"github.com/edgeflow/meshgate/internal/rules"
)

func lightWire(l *registry.Light) fiber.Map {
	return fiber.Map{
		"name":         l.UniqueID,
		"manufacturer": l.Manufacturer,
		"model":        l.Model,
		"state": fiber.Map{
			"on":              l.On,
			"bri":             l.Level,
			"reachable":       l.Reachable,
			"colormode":       l.ColorMode,
			"hue":             l.Hue,
			"sat":             l.Saturation,
			"colorloopactive": l.ColorLoopActive,
		},
		"etag": etag.Quote(l.Etag),
	}
}

// ListLights handles GET /api/:apikey/lights — read-only view of the
// Node Registry's light set, keyed by id like the rules listing.
func (s *Service) ListLights(c *fiber.Ctx) error {
	out := make(map[string]interface{})
	if err := s.run(c, func() {
		for _, l := range s.Reg.Lights() {
			out[l.ID] = lightWire(l)
		}
	}); err != nil {
		return err
	}
	return c.JSON(out)
}

// GetLight handles GET /api/:apikey/lights/:id.
func (s *Service) GetLight(c *fiber.Ctx) error {
	var body fiber.Map
	if err := s.run(c, func() {
		if l, ok := s.Reg.LightByID(c.Params("id")); ok {
			body = lightWire(l)
		}
	}); err != nil {
		return err
	}
	if body == nil {
		return writeAPIError(c, &rules.APIError{
			Type: rules.ErrResourceNotAvailable, Address: "/lights/" + c.Params("id"), Description: "light not available",
		})
	}
	return c.JSON(body)
}

func sensorWire(sn *registry.Sensor) fiber.Map {
	return fiber.Map{
		"type":   sn.Type,
		"state":  sn.State,
		"config": sn.Config,
	}
}

// ListSensors handles GET /api/:apikey/sensors.
func (s *Service) ListSensors(c *fiber.Ctx) error {
	out := make(map[string]interface{})
	if err := s.run(c, func() {
		for _, sn := range s.Reg.Sensors() {
			out[sn.ID] = sensorWire(sn)
		}
	}); err != nil {
		return err
	}
	return c.JSON(out)
}

// GetSensor handles GET /api/:apikey/sensors/:id.
func (s *Service) GetSensor(c *fiber.Ctx) error {
	var body fiber.Map
	if err := s.run(c, func() {
		if sn, ok := s.Reg.SensorByID(c.Params("id")); ok {
			body = sensorWire(sn)
		}
	}); err != nil {
		return err
	}
	if body == nil {
		return writeAPIError(c, &rules.APIError{
			Type: rules.ErrResourceNotAvailable, Address: "/sensors/" + c.Params("id"), Description: "sensor not available",
		})
	}
	return c.JSON(body)
}

type sensorConfigBody struct {
	On       *bool `json:"on"`
	Duration *int  `json:"duration"`
}

// PutSensorConfig handles PUT /api/:apikey/sensors/:id/config — the
// one writable sensor surface. Occupancy duration writes are
// bounds-guarded to [0, 65535] before reaching the radio.
func (s *Service) PutSensorConfig(c *fiber.Ctx) error {
	var body sensorConfigBody
	if err := c.BodyParser(&body); err != nil {
		return writeAPIError(c, &rules.APIError{
			Type: rules.ErrInvalidJSON, Address: "/sensors/" + c.Params("id") + "/config", Description: "invalid JSON",
		})
	}
	if body.Duration != nil && (*body.Duration < 0 || *body.Duration > 65535) {
		return writeAPIError(c, &rules.APIError{
			Type: rules.ErrInvalidValue, Address: "/sensors/" + c.Params("id") + "/config/duration",
			Description: "duration must be in [0, 65535]",
		})
	}

	found := false
	if err := s.run(c, func() {
		sn, ok := s.Reg.SensorByID(c.Params("id"))
		if !ok {
			return
		}
		found = true
		if body.On != nil {
			sn.Config.On = *body.On
		}
		if body.Duration != nil {
			sn.Config.Duration = uint16(*body.Duration)
			sn.Config.DurationPending = true
		}
		sn.Etag = etag.New()
	}); err != nil {
		return err
	}
	if !found {
		return writeAPIError(c, &rules.APIError{
			Type: rules.ErrResourceNotAvailable, Address: "/sensors/" + c.Params("id"), Description: "sensor not available",
		})
	}
	s.noteWrite()
	return c.JSON(fiber.Map{"success": fiber.Map{"id": c.Params("id")}})
}

// ListGroups handles GET /api/:apikey/groups.
func (s *Service) ListGroups(c *fiber.Ctx) error {
	out := make(map[string]interface{})
	if err := s.run(c, func() {
		for _, g := range s.Reg.Groups() {
			out[g.ID] = fiber.Map{
				"name": g.Name,
				"action": fiber.Map{
					"on":  g.On,
					"bri": g.Level,
				},
				"etag": etag.Quote(g.Etag),
			}
		}
	}); err != nil {
		return err
	}
	return c.JSON(out)
}

// GetGroup handles GET /api/:apikey/groups/:id.
func (s *Service) GetGroup(c *fiber.Ctx) error {
	var body fiber.Map
	if err := s.run(c, func() {
		g, ok := s.Reg.GroupByID(c.Params("id"))
		if !ok {
			return
		}
		scenes := make(map[string]interface{}, len(g.Scenes))
		for _, sc := range g.Scenes {
			scenes[fmt.Sprintf("%d", sc.ID)] = fiber.Map{"name": sc.Name}
		}
		body = fiber.Map{
			"name": g.Name,
			"action": fiber.Map{
				"on":  g.On,
				"bri": g.Level,
			},
			"scenes": scenes,
			"etag":   etag.Quote(g.Etag),
		}
	}); err != nil {
		return err
	}
	if body == nil {
		return writeAPIError(c, &rules.APIError{
			Type: rules.ErrResourceNotAvailable, Address: "/groups/" + c.Params("id"), Description: "group not available",
		})
	}
	return c.JSON(body)
}
