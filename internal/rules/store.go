package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/cache"
	"github.com/edgeflow/meshgate/internal/etag"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/registry"
)

// MaxRulesCount bounds the store at create time; the count includes
// deleted rules, which stay resident (see DESIGN.md).
const MaxRulesCount = 500

// ReplayFunc performs the internal REST replay: resource handlers
// exposed as one in-process callable, invoked synchronously.
type ReplayFunc func(apikey, method, path string, body map[string]interface{}) (notHandled bool)

// Config holds the engine's tick and throttle parameters.
type Config struct {
	VerifyTick     time.Duration // ~5s
	MaxVerifyDelay time.Duration
	MaxBindingQueueForVerify int // 16
	SaveDebounce   time.Duration // 3s
	MaxRuleAttrAge time.Duration
}

// Engine owns the rule store and drives the verify/trigger and
// binding-install logic.
type Engine struct {
	cfg  Config
	reg  *registry.Registry
	cch  *cache.Cache
	pipe *pipeline.Pipeline
	log  *zap.Logger

	rules      map[string]*Rule
	order      []string // stored order; also the round-robin sequence
	verifyIter int

	replay ReplayFunc

	Persist func(r *Rule) // best-effort storage hook, called by SaveTick
}

// New creates an empty Rules Engine.
func New(cfg Config, reg *registry.Registry, cch *cache.Cache, pipe *pipeline.Pipeline, replay ReplayFunc, log *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		reg:    reg,
		cch:    cch,
		pipe:   pipe,
		replay: replay,
		log:    log,
		rules:  make(map[string]*Rule),
	}
}

// LoadStored re-admits persisted rules into the engine at startup,
// preserving their stored order. It does not run
// Persist, since these rows are already what storage holds.
func (e *Engine) LoadStored(rules []*Rule) {
	for _, r := range rules {
		e.rules[r.ID] = r
		e.order = append(e.order, r.ID)
	}
}

// Get returns a Normal-state rule by id. Deleted rules read as
// not-found (see DESIGN.md for the lookup-fallback decision).
func (e *Engine) Get(id string) (*Rule, error) {
	r, ok := e.rules[id]
	if !ok || r.State != Normal {
		return nil, newErr(ErrResourceNotAvailable, "/rules/"+id, "rule not available")
	}
	return r, nil
}

// List returns every Normal-state rule in stored order.
func (e *Engine) List() []*Rule {
	out := make([]*Rule, 0, len(e.order))
	for _, id := range e.order {
		if r := e.rules[id]; r.State == Normal {
			out = append(out, r)
		}
	}
	return out
}

// Create validates and stores a new rule. A rule whose condition and
// action sets exactly match an existing rule replaces that rule in
// place, keeping the existing id.
func (e *Engine) Create(owner, name string, status Status, periodic int, conditions []Condition, actions []Action, now time.Time) (*Rule, error) {
	if err := ValidateRule(e.reg, name, status, conditions, actions); err != nil {
		return nil, err
	}

	if existing := e.findEquivalent(conditions, actions); existing != nil {
		existing.Name = name
		existing.Owner = owner
		existing.Periodic = periodic
		if status != "" {
			existing.Status = status
		}
		existing.lastVerify = time.Time{} // re-queue a binding check for this slot
		existing.Etag = etag.New()
		return existing, nil
	}

	if len(e.rules) >= MaxRulesCount {
		return nil, newErr(ErrRuleEngineFull, "/rules", "rule engine full")
	}

	existingIDs := make(map[string]bool, len(e.rules))
	for id := range e.rules {
		existingIDs[id] = true
	}
	st := status
	if st == "" {
		st = Enabled
	}
	r := &Rule{
		ID:         registry.NextID(existingIDs),
		Name:       name,
		Owner:      owner,
		Status:     st,
		Periodic:   periodic,
		Conditions: conditions,
		Actions:    actions,
		Created:    now.UTC().Format("2006-01-02T15:04:05"),
		State:      Normal,
		Etag:       etag.New(),
	}
	e.rules[r.ID] = r
	e.order = append(e.order, r.ID)
	return r, nil
}

// UpdateFields is the subset of mutable rule fields a PUT may supply.
// Pointer fields distinguish "not provided" from "provided".
type UpdateFields struct {
	Name       *string
	Status     *Status
	Periodic   *int
	Conditions *[]Condition
	Actions    *[]Action
}

// Update applies fields to the rule at id: a structural
// actions/conditions change first unbinds the old topology and then
// reinstalls, and the etag only moves on a real change (see
// DESIGN.md).
func (e *Engine) Update(id string, fields UpdateFields, now time.Time) (*Rule, error) {
	r, err := e.Get(id)
	if err != nil {
		return nil, err
	}

	name := r.Name
	if fields.Name != nil {
		name = *fields.Name
	}
	conditions := r.Conditions
	if fields.Conditions != nil {
		conditions = *fields.Conditions
	}
	actions := r.Actions
	if fields.Actions != nil {
		actions = *fields.Actions
	}
	status := r.Status
	if fields.Status != nil {
		status = *fields.Status
	}
	periodic := r.Periodic
	if fields.Periodic != nil {
		periodic = *fields.Periodic
	}
	if err := ValidateRule(e.reg, name, status, conditions, actions); err != nil {
		return nil, err
	}

	structureChanged := fields.Conditions != nil && !conditionSetEqual(r.Conditions, conditions) ||
		fields.Actions != nil && !actionSetEqual(r.Actions, actions)
	anyChange := structureChanged || name != r.Name || periodic != r.Periodic ||
		(fields.Status != nil && status != r.Status)

	if structureChanged {
		e.enqueueUnbindPass(r)
		r.Conditions = conditions
		r.Actions = actions
		r.lastVerify = time.Time{}
	}
	r.Name = name
	r.Periodic = periodic
	if fields.Status != nil {
		r.Status = status
	} else if structureChanged {
		r.Status = Enabled
	}

	if anyChange {
		r.Etag = etag.New()
	}
	return r, nil
}

// Delete marks the rule Deleted, disables it, and queues an Unbind
// pass for its bindings.
func (e *Engine) Delete(id string) error {
	r, err := e.Get(id)
	if err != nil {
		return err
	}
	r.State = Deleted
	r.Status = Disabled
	e.enqueueUnbindPass(r)
	return nil
}

func (e *Engine) findEquivalent(conditions []Condition, actions []Action) *Rule {
	for _, id := range e.order {
		r := e.rules[id]
		if r.State != Normal {
			continue
		}
		if conditionSetEqual(r.Conditions, conditions) && actionSetEqual(r.Actions, actions) {
			return r
		}
	}
	return nil
}

func conditionSetEqual(a, b []Condition) bool {
	if len(a) != len(b) {
		return false
	}
	ak := conditionKeys(a)
	bk := conditionKeys(b)
	sort.Strings(ak)
	sort.Strings(bk)
	for i := range ak {
		if ak[i] != bk[i] {
			return false
		}
	}
	return true
}

func conditionKeys(cs []Condition) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Address + "|" + c.Operator + "|" + c.Value
	}
	return out
}

func actionSetEqual(a, b []Action) bool {
	if len(a) != len(b) {
		return false
	}
	ak := actionKeys(a)
	bk := actionKeys(b)
	sort.Strings(ak)
	sort.Strings(bk)
	for i := range ak {
		if ak[i] != bk[i] {
			return false
		}
	}
	return true
}

func actionKeys(as []Action) []string {
	out := make([]string, len(as))
	for i, a := range as {
		var body []string
		for k, v := range a.Body {
			body = append(body, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(body)
		out[i] = a.Address + "|" + a.Method + "|" + strings.Join(body, ",")
	}
	return out
}
