package api

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/edgeflow/meshgate/internal/rules"
)

// ruleUpdateKnownKeys is the accepted PUT /api/:apikey/rules/:id
// field set; any other top-level JSON key must be rejected
// with ERR_PARAMETER_NOT_AVAILABLE before the update is applied.
var ruleUpdateKnownKeys = map[string]bool{
	"name": true, "status": true, "periodic": true, "conditions": true, "actions": true,
}

// ruleWire is the GET /api/:apikey/rules[/:id] body shape. Unlike
// every other resource, rule etags are reported
// unquoted here.
type ruleWire struct {
	Name           string                 `json:"name"`
	Owner          string                 `json:"owner"`
	Status         rules.Status           `json:"status"`
	Periodic       int                    `json:"periodic"`
	Conditions     []conditionWire        `json:"conditions"`
	Actions        []actionWire           `json:"actions"`
	Created        string                 `json:"created"`
	LastTriggered  string                 `json:"lasttriggered"`
	TimesTriggered int                    `json:"timestriggered"`
	Etag           string                 `json:"etag"`
}

type conditionWire struct {
	Address  string `json:"address"`
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`
}

type actionWire struct {
	Address string                 `json:"address"`
	Method  string                 `json:"method"`
	Body    map[string]interface{} `json:"body"`
}

func toRuleWire(r *rules.Rule) ruleWire {
	conds := make([]conditionWire, len(r.Conditions))
	for i, c := range r.Conditions {
		conds[i] = conditionWire{Address: c.Address, Operator: c.Operator, Value: c.Value}
	}
	acts := make([]actionWire, len(r.Actions))
	for i, a := range r.Actions {
		acts[i] = actionWire{Address: a.Address, Method: a.Method, Body: a.Body}
	}
	return ruleWire{
		Name:           r.Name,
		Owner:          r.Owner,
		Status:         r.Status,
		Periodic:       r.Periodic,
		Conditions:     conds,
		Actions:        acts,
		Created:        r.Created,
		LastTriggered:  r.LastTriggered,
		TimesTriggered: r.TimesTriggered,
		Etag:           r.Etag,
	}
}

// ListRules handles GET /api/:apikey/rules.
func (s *Service) ListRules(c *fiber.Ctx) error {
	out := make(map[string]ruleWire)
	if err := s.run(c, func() {
		for _, r := range s.Rules.List() {
			out[r.ID] = toRuleWire(r)
		}
	}); err != nil {
		return err
	}
	return c.JSON(out)
}

// GetRule handles GET /api/:apikey/rules/:id.
func (s *Service) GetRule(c *fiber.Ctx) error {
	var (
		wire ruleWire
		err  error
	)
	if runErr := s.run(c, func() {
		var r *rules.Rule
		r, err = s.Rules.Get(c.Params("id"))
		if err == nil {
			wire = toRuleWire(r)
		}
	}); runErr != nil {
		return runErr
	}
	if err != nil {
		return writeAPIError(c, err)
	}
	return c.JSON(wire)
}

type ruleCreateBody struct {
	Name       string                 `json:"name"`
	Status     string                 `json:"status"`
	Periodic   int                    `json:"periodic"`
	Conditions []conditionWire        `json:"conditions"`
	Actions    []actionWire           `json:"actions"`
}

func (b ruleCreateBody) toDomain() ([]rules.Condition, []rules.Action) {
	conds := make([]rules.Condition, len(b.Conditions))
	for i, c := range b.Conditions {
		conds[i] = rules.Condition{Address: c.Address, Operator: c.Operator, Value: c.Value}
	}
	acts := make([]rules.Action, len(b.Actions))
	for i, a := range b.Actions {
		acts[i] = rules.Action{Address: a.Address, Method: a.Method, Body: a.Body}
	}
	return conds, acts
}

// CreateRule handles POST /api/:apikey/rules.
func (s *Service) CreateRule(c *fiber.Ctx) error {
	var body ruleCreateBody
	if err := c.BodyParser(&body); err != nil {
		return writeAPIError(c, &rules.APIError{Type: rules.ErrInvalidJSON, Address: "/rules", Description: "invalid JSON"})
	}

	conds, acts := body.toDomain()
	owner := c.Params("apikey")
	var (
		id  string
		err error
	)
	if runErr := s.run(c, func() {
		var r *rules.Rule
		r, err = s.Rules.Create(owner, body.Name, rules.Status(body.Status), body.Periodic, conds, acts, time.Now())
		if err == nil {
			id = r.ID
		}
	}); runErr != nil {
		return runErr
	}
	if err != nil {
		return writeAPIError(c, err)
	}
	s.noteWrite()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": fiber.Map{"id": id}})
}

type ruleUpdateBody struct {
	Name       *string          `json:"name"`
	Status     *string          `json:"status"`
	Periodic   *int             `json:"periodic"`
	Conditions *[]conditionWire `json:"conditions"`
	Actions    *[]actionWire    `json:"actions"`
}

// UpdateRule handles PUT /api/:apikey/rules/:id.
func (s *Service) UpdateRule(c *fiber.Ctx) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(c.Body(), &raw); err != nil {
		return writeAPIError(c, &rules.APIError{Type: rules.ErrInvalidJSON, Address: "/rules", Description: "invalid JSON"})
	}
	for key := range raw {
		if !ruleUpdateKnownKeys[key] {
			return writeAPIError(c, &rules.APIError{
				Type: rules.ErrParameterNotAvailable, Address: "/rules/" + c.Params("id") + "/" + key,
				Description: "parameter, " + key + ", not available",
			})
		}
	}

	var body ruleUpdateBody
	if err := c.BodyParser(&body); err != nil {
		return writeAPIError(c, &rules.APIError{Type: rules.ErrInvalidJSON, Address: "/rules", Description: "invalid JSON"})
	}

	fields := rules.UpdateFields{Periodic: body.Periodic}
	if body.Name != nil {
		fields.Name = body.Name
	}
	if body.Status != nil {
		st := rules.Status(*body.Status)
		fields.Status = &st
	}
	if body.Conditions != nil {
		conds := make([]rules.Condition, len(*body.Conditions))
		for i, cw := range *body.Conditions {
			conds[i] = rules.Condition{Address: cw.Address, Operator: cw.Operator, Value: cw.Value}
		}
		fields.Conditions = &conds
	}
	if body.Actions != nil {
		acts := make([]rules.Action, len(*body.Actions))
		for i, aw := range *body.Actions {
			acts[i] = rules.Action{Address: aw.Address, Method: aw.Method, Body: aw.Body}
		}
		fields.Actions = &acts
	}

	var (
		id  string
		err error
	)
	if runErr := s.run(c, func() {
		var r *rules.Rule
		r, err = s.Rules.Update(c.Params("id"), fields, time.Now())
		if err == nil {
			id = r.ID
		}
	}); runErr != nil {
		return runErr
	}
	if err != nil {
		return writeAPIError(c, err)
	}
	s.noteWrite()
	return c.JSON(fiber.Map{"success": fiber.Map{"id": id}})
}

// DeleteRule handles DELETE /api/:apikey/rules/:id.
func (s *Service) DeleteRule(c *fiber.Ctx) error {
	id := c.Params("id")
	var err error
	if runErr := s.run(c, func() {
		err = s.Rules.Delete(id)
	}); runErr != nil {
		return runErr
	}
	if err != nil {
		return writeAPIError(c, err)
	}
	s.noteWrite()
	return c.JSON(fiber.Map{"success": fiber.Map{"id": id}})
}
