package rules

import (
	"strconv"
	"strings"

	"github.com/edgeflow/meshgate/internal/registry"
)

const (
	maxRuleNameLength = 32
	maxConditions     = 8
	maxActions        = 8
)

// operatorBucket is one row of the per-attribute operator and
// value-category matrix.
type operatorBucket struct {
	operators    map[string]bool
	forbidsValue bool
	valueIsBool  bool
	valueIsInt   bool
}

// attributeBuckets maps a condition's final path segment (the
// attribute name) to its allowed operators and value category.
// Presence is boolean-only here: occupancy numbers live under
// /config, never /state/presence (see DESIGN.md).
var attributeBuckets = map[string]operatorBucket{
	"lastupdated":   {operators: set("dx"), forbidsValue: true},
	"long":          {operators: set("dx"), forbidsValue: true},
	"lat":           {operators: set("dx"), forbidsValue: true},
	"illuminance":   {operators: set("dx", "eq", "lt", "gt"), valueIsInt: true},
	"reachable":     {operators: set("dx", "eq"), valueIsBool: true},
	"on":            {operators: set("dx", "eq"), valueIsBool: true},
	"open":          {operators: set("dx", "eq"), valueIsBool: true},
	"presence":      {operators: set("dx", "eq"), valueIsBool: true},
	"flag":          {operators: set("dx", "eq"), valueIsBool: true},
	"daylight":      {operators: set("dx", "eq"), valueIsBool: true},
	"battery":       {operators: set("dx", "eq", "gt", "lt"), valueIsInt: true},
	"buttonevent":   {operators: set("dx", "eq", "gt", "lt"), valueIsInt: true},
	"temperature":   {operators: set("dx", "eq", "gt", "lt"), valueIsInt: true},
	"humidity":      {operators: set("dx", "eq", "gt", "lt"), valueIsInt: true},
	"sunriseoffset": {operators: set("eq", "gt", "lt"), valueIsInt: true},
	"sunsetoffset":  {operators: set("eq", "gt", "lt"), valueIsInt: true},
}

func set(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// sensorTypeAttributes is the per-type subset of addressable state
// attributes, in addition to the universal set every sensor exposes.
var sensorTypeAttributes = map[registry.SensorType][]string{
	registry.SensorZGPSwitch:    {"state/buttonevent"},
	registry.SensorZHASwitch:    {"state/buttonevent"},
	registry.SensorZHAPresence:  {"state/presence"},
	registry.SensorZHALight:     {"state/illuminance"},
	registry.SensorCLIPSwitch:   {"state/buttonevent"},
	registry.SensorCLIPPresence: {"state/presence"},
	registry.SensorDaylight: {
		"state/daylight", "config/long", "config/lat",
		"config/sunriseoffset", "config/sunsetoffset",
	},
}

var universalAttributes = []string{
	"config/reachable", "config/on", "config/battery", "state/lastupdated",
}

// resolveSensorAddress parses "/sensors/<id>/state|config/<attr>" and
// reports whether it names a currently valid address for that sensor's
// type, returning the sensor, the bare attribute name, and ok.
func resolveSensorAddress(reg *registry.Registry, address string) (*registry.Sensor, string, bool) {
	parts := strings.Split(strings.TrimPrefix(address, "/"), "/")
	if len(parts) != 4 || parts[0] != "sensors" {
		return nil, "", false
	}
	sensor, ok := reg.SensorByID(parts[1])
	if !ok {
		return nil, "", false
	}
	suffix := parts[2] + "/" + parts[3]

	allowed := append([]string{}, sensorTypeAttributes[sensor.Type]...)
	allowed = append(allowed, universalAttributes...)
	for _, a := range allowed {
		if a == suffix {
			return sensor, parts[3], true
		}
	}
	return nil, "", false
}

// ValidateCondition checks a condition's address, operator, and value
// against the attribute matrix.
func ValidateCondition(reg *registry.Registry, c Condition) error {
	_, attr, ok := resolveSensorAddress(reg, c.Address)
	if !ok {
		return newErr(ErrParameterNotAvailable, c.Address, "condition address not available")
	}
	bucket, ok := attributeBuckets[attr]
	if !ok {
		return newErr(ErrParameterNotAvailable, c.Address, "no operator rules for attribute")
	}
	if !bucket.operators[c.Operator] {
		return newErr(ErrInvalidValue, c.Address, "operator not valid for attribute")
	}
	if c.Operator == "dx" {
		if c.Value != "" {
			return newErr(ErrInvalidValue, c.Address, "dx forbids a value")
		}
		return nil
	}
	if bucket.forbidsValue && c.Value != "" {
		return newErr(ErrInvalidValue, c.Address, "operator forbids a value")
	}
	switch {
	case bucket.valueIsBool:
		if c.Value != "true" && c.Value != "false" {
			return newErr(ErrInvalidValue, c.Address, "value must be true or false")
		}
	case bucket.valueIsInt:
		n, err := strconv.Atoi(c.Value)
		if err != nil || n < 0 {
			return newErr(ErrInvalidValue, c.Address, "value must be a positive integer")
		}
	}
	return nil
}

var actionAddressPrefixes = []string{"/lights", "/groups", "/scenes", "/schedules", "/sensors"}

var validMethods = set("PUT", "POST", "DELETE", "BIND")

// ValidateAction checks an action's address namespace and method.
func ValidateAction(a Action) error {
	ok := false
	for _, p := range actionAddressPrefixes {
		if strings.HasPrefix(a.Address, p) {
			ok = true
			break
		}
	}
	if !ok {
		return newErr(ErrActionError, a.Address, "action address not in a valid resource namespace")
	}
	if !validMethods[a.Method] {
		return newErr(ErrInvalidValue, a.Address, "unsupported method")
	}
	return nil
}

// ValidateRule runs every static POST/PUT validation that does not
// depend on comparing against existing rules.
func ValidateRule(reg *registry.Registry, name string, status Status, conditions []Condition, actions []Action) error {
	if name == "" || len(name) > maxRuleNameLength {
		return newErr(ErrMissingParameter, "/rules", "name must be a non-empty string")
	}
	if status != "" && status != Enabled && status != Disabled {
		return newErr(ErrInvalidValue, "/rules/status", "status must be enabled or disabled")
	}
	if len(conditions) < 1 || len(conditions) > maxConditions {
		return newErr(ErrTooManyItems, "/rules/conditions", "conditions count out of range")
	}
	if len(actions) < 1 || len(actions) > maxActions {
		return newErr(ErrTooManyItems, "/rules/actions", "actions count out of range")
	}

	seenActionAddr := make(map[string]bool, len(actions))
	for _, a := range actions {
		if seenActionAddr[a.Address] {
			return newErr(ErrActionError, a.Address, "duplicate action address")
		}
		seenActionAddr[a.Address] = true
		if err := ValidateAction(a); err != nil {
			return err
		}
	}
	for _, c := range conditions {
		if err := ValidateCondition(reg, c); err != nil {
			return err
		}
	}
	return nil
}
