// Package gateway is the single-threaded cooperative event loop at
// the center of the process: every mutation to the registry, cache,
// pipeline, or rules engine happens on one goroutine,
// driven by a channel of typed events instead of locks. Grounded on
// a cron-driven flow scheduler's tick-registration shape (robfig/cron
// @every triggers firing periodic work); this loop
// keeps that cron-driven-tick shape but replaces "execute a flow" with
// "push a tick event onto the owning goroutine's channel".
package gateway

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/audit"
	"github.com/edgeflow/meshgate/internal/cache"
	"github.com/edgeflow/meshgate/internal/metrics"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/radio"
	"github.com/edgeflow/meshgate/internal/registry"
	"github.com/edgeflow/meshgate/internal/rules"
	"github.com/edgeflow/meshgate/internal/storage"
	"github.com/edgeflow/meshgate/internal/synchronizer"
	"github.com/edgeflow/meshgate/internal/telemetry"
	"github.com/edgeflow/meshgate/internal/websocket"
)

// dirtyMask tracks which entity classes changed since the last debounced
// save, so saveDirty only touches storage for what actually moved.
type dirtyMask uint8

const (
	dirtyLights dirtyMask = 1 << iota
	dirtySensors
	dirtyGroups
	dirtyRules
)

// event is anything the loop can select on. Each concrete type below
// implements it by being exactly itself; the loop type-switches.
type event interface{ isEvent() }

type radioIndicationEvent struct{ ind radio.Indication }
type radioConfirmEvent struct{ cf radio.Confirm }
type radioNodeEvent struct{ ev radio.NodeEvent }

type tick100ms struct{ now time.Time }
type tick250ms struct{ now time.Time }
type tick750ms struct{ now time.Time }
type tick1s struct{ now time.Time }
type tick5s struct{ now time.Time }
type tickSave struct{ now time.Time }

// externalWriteEvent resets the synchronizer's idle clock; posted by
// the HTTP layer on every mutating request, so the synchronizer's
// idle window only opens while no user is writing.
type externalWriteEvent struct{ now time.Time }

// loopCall runs an arbitrary closure on the loop goroutine — the hop
// the HTTP layer uses so its rule/registry accesses observe the same
// single-owner discipline as everything else.
type loopCall struct {
	fn   func()
	done chan struct{}
}

func (radioIndicationEvent) isEvent() {}
func (radioConfirmEvent) isEvent()    {}
func (radioNodeEvent) isEvent()       {}
func (tick100ms) isEvent()            {}
func (tick250ms) isEvent()            {}
func (tick750ms) isEvent()            {}
func (tick1s) isEvent()               {}
func (tick5s) isEvent()               {}
func (tickSave) isEvent()             {}
func (externalWriteEvent) isEvent()   {}
func (loopCall) isEvent()             {}

// Gateway owns every core package and is the only goroutine that ever
// touches them.
type Gateway struct {
	driver  radio.Driver
	reg     *registry.Registry
	cch     *cache.Cache
	pipe    *pipeline.Pipeline
	sync    *synchronizer.Synchronizer
	rules   *rules.Engine
	store   storage.Store
	metrics *metrics.Metrics
	hub     *websocket.Hub
	telem   *telemetry.Sink
	audit   *audit.Trail
	log     *zap.Logger

	events chan event
	dirty  dirtyMask

	// lastHandledNano is the UnixNano timestamp of the last event the
	// loop goroutine processed. Stored atomically so LoopLag can be
	// read from the health checker's own goroutine
	// without giving the loop itself any locking to do.
	lastHandledNano int64
}

// New wires a Gateway from already-constructed components. The caller
// (cmd/meshgate/main.go) builds every dependency; New just takes
// ownership of them for the loop's lifetime. telem and aud may be nil
// (their respective sinks disabled in config).
//
// eng may be nil at construction time: the rules engine itself needs
// this Gateway's NewReplayFunc before it can be built, so the usual
// order is New(..., nil, ...) followed by rules.New(..., gw.NewReplayFunc(), ...)
// and then SetRulesEngine once that engine exists.
func New(driver radio.Driver, reg *registry.Registry, cch *cache.Cache, pipe *pipeline.Pipeline,
	sy *synchronizer.Synchronizer, eng *rules.Engine, store storage.Store, m *metrics.Metrics,
	hub *websocket.Hub, telem *telemetry.Sink, aud *audit.Trail, log *zap.Logger) *Gateway {
	return &Gateway{
		driver:  driver,
		reg:     reg,
		cch:     cch,
		pipe:    pipe,
		sync:    sy,
		rules:   eng,
		store:   store,
		metrics: m,
		hub:     hub,
		telem:   telem,
		audit:   aud,
		log:     log,
		events:  make(chan event, 256),
		lastHandledNano: time.Now().UnixNano(),
	}
}

// LoopLag reports how long it has been since the event loop last
// processed anything. A healthy loop's lag tracks wall-clock time
// between ticks (at most 100ms, the fastest tick); a loop stuck on a
// slow handler or blocked on a full channel falls behind and this
// grows without bound.
func (g *Gateway) LoopLag() time.Duration {
	last := atomic.LoadInt64(&g.lastHandledNano)
	return time.Since(time.Unix(0, last))
}

// SetRulesEngine installs the rules engine after construction, closing
// the New/NewReplayFunc wiring cycle. Must be called before Run.
func (g *Gateway) SetRulesEngine(eng *rules.Engine) {
	g.rules = eng
}

// NewReplayFunc adapts applyRESTCall to the rules.ReplayFunc signature
// the Rules Engine expects. The engine only ever runs on this loop
// goroutine (Tick and HandleGreenPowerButton are both invoked from
// handle), so the replay is a direct synchronous call — routing it
// through the event channel would park the loop against itself.
func (g *Gateway) NewReplayFunc() rules.ReplayFunc {
	return func(apikey, method, path string, body map[string]interface{}) bool {
		return !g.applyRESTCall(apikey, method, path, body)
	}
}

// Do runs fn on the loop goroutine and blocks until it has executed
// (or ctx expires before the loop picks it up). The HTTP layer routes
// every touch of the rules engine and registry through here.
func (g *Gateway) Do(ctx context.Context, fn func()) bool {
	done := make(chan struct{})
	select {
	case g.events <- loopCall{fn: fn, done: done}:
	case <-ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// NoteExternalWrite hops the idle-clock reset onto the loop. Safe to
// call from any goroutine; dropped when the loop is saturated, which
// only delays the idle window by one already-busy interval.
func (g *Gateway) NoteExternalWrite() {
	select {
	case g.events <- externalWriteEvent{now: time.Now()}:
	default:
	}
}

// Run drives the event loop until ctx is cancelled. It starts one
// goroutine fanning in the radio driver's three channels and a
// robfig/cron scheduler pushing the six periodic ticks (five component
// ticks plus the 3s save tick) the core components run on.
func (g *Gateway) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	registerTick(c, "@every 100ms", g.events, func(now time.Time) event { return tick100ms{now} })
	registerTick(c, "@every 250ms", g.events, func(now time.Time) event { return tick250ms{now} })
	registerTick(c, "@every 750ms", g.events, func(now time.Time) event { return tick750ms{now} })
	registerTick(c, "@every 1s", g.events, func(now time.Time) event { return tick1s{now} })
	registerTick(c, "@every 5s", g.events, func(now time.Time) event { return tick5s{now} })
	registerTick(c, "@every 3s", g.events, func(now time.Time) event { return tickSave{now} })
	c.Start()
	defer c.Stop()

	go g.pumpRadio(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-g.events:
			g.handle(ctx, ev)
			atomic.StoreInt64(&g.lastHandledNano, time.Now().UnixNano())
		}
	}
}

// everySchedule fires at a fixed interval with sub-second precision;
// cron's own "@every" parsing rounds intervals below one second up to
// one second.
type everySchedule time.Duration

func (d everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

func registerTick(c *cron.Cron, spec string, events chan<- event, make_ func(time.Time) event) {
	d, err := time.ParseDuration(strings.TrimPrefix(spec, "@every "))
	if err != nil {
		return
	}
	c.Schedule(everySchedule(d), cron.FuncJob(func() {
		select {
		case events <- make_(time.Now()):
		default:
			// loop is behind; drop rather than build up unbounded backlog
		}
	}))
}

// pumpRadio fans the driver's three channels into the loop's single
// event channel, so the loop goroutine is the only reader of driver
// state: Indications, Confirms, and NodeEvents all have exactly one
// consumer.
func (g *Gateway) pumpRadio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ind, ok := <-g.driver.Indications():
			if !ok {
				return
			}
			g.events <- radioIndicationEvent{ind}
		case cf, ok := <-g.driver.Confirms():
			if !ok {
				return
			}
			g.events <- radioConfirmEvent{cf}
		case ne, ok := <-g.driver.NodeEvents():
			if !ok {
				return
			}
			g.events <- radioNodeEvent{ne}
		}
	}
}

func (g *Gateway) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case radioIndicationEvent:
		g.handleIndication(ctx, e.ind)

	case radioConfirmEvent:
		g.pipe.ConfirmReceived(e.cf, 5*time.Minute, time.Now())

	case radioNodeEvent:
		g.sync.HandleNodeEvent(e.ev)
		g.dirty |= dirtyLights | dirtySensors

	case tick100ms:
		g.pipe.DispatchTick(ctx, e.now)

	case tick250ms:
		g.sync.GroupTaskTick(e.now)

	case tick750ms:
		g.sync.AttributeProcessingTick(e.now)

	case tick1s:
		g.sync.IdleTick(e.now)
		g.pipe.BindingTick(ctx, e.now)

	case tick5s:
		g.withTriggerAccounting(e.now, func() {
			g.rules.Tick(e.now, g.driver.InNetwork())
		})
		g.refreshMetrics()

	case tickSave:
		g.saveDirty()

	case externalWriteEvent:
		g.sync.NoteExternalWrite(e.now)

	case loopCall:
		e.fn()
		close(e.done)
	}
}

// handleIndication routes one inbound APS indication: green-power
// frames feed the reactive button path, ZDP Mgmt_Bind responses feed
// the binding state machine, everything else is cluster state for the
// synchronizer.
func (g *Gateway) handleIndication(ctx context.Context, ind radio.Indication) {
	now := time.Now()
	switch {
	case ind.GPSrcID != 0:
		g.handleGreenPower(ind, now)

	case ind.ProfileID == 0 && ind.Cluster == pipeline.ZDPMgmtBindRsp:
		g.pipe.HandleBindingTableResponse(ctx, ind.SrcAddr, pipeline.DecodeMgmtBindRsp(ind.Payload))

	default:
		g.sync.HandleIndication(ind, now)
		g.dirty |= dirtyLights | dirtySensors
		g.recordTelemetry(ind, now)
		g.hub.Broadcast(websocket.MessageTypeAttributeChanged, map[string]interface{}{
			"ext_addr": ind.SrcAddr,
			"cluster":  ind.Cluster,
			"endpoint": ind.Endpoint,
		})
	}
}

// gpCommissioning is the green-power commissioning command id; its
// payload names the GPD device type. Every other command id is a
// button event.
const gpCommissioning = 0xE0

func (g *Gateway) handleGreenPower(ind radio.Indication, now time.Time) {
	if len(ind.Payload) < 1 {
		return
	}
	cmd := ind.Payload[0]

	if cmd == gpCommissioning {
		if len(ind.Payload) >= 2 {
			if s := g.reg.AdmitGreenPowerSwitch(ind.GPSrcID, ind.Payload[1]); s != nil {
				g.dirty |= dirtySensors
			}
		}
		return
	}

	sensor, ok := g.reg.SensorByGPSrcID(ind.GPSrcID)
	if !ok {
		return
	}
	g.withTriggerAccounting(now, func() {
		g.rules.HandleGreenPowerButton(sensor.ID, int(cmd), now)
	})
	g.dirty |= dirtySensors | dirtyRules
}

// withTriggerAccounting compares every rule's trigger count across fn
// and emits the metrics/audit/websocket fan-out for each rule that
// fired inside it.
func (g *Gateway) withTriggerAccounting(now time.Time, fn func()) {
	before := make(map[string]int, len(g.rules.List()))
	for _, r := range g.rules.List() {
		before[r.ID] = r.TimesTriggered
	}
	fn()
	for _, r := range g.rules.List() {
		if r.TimesTriggered > before[r.ID] {
			g.metrics.IncrementRuleTriggers()
			g.audit.Record(r.ID, r.Name, r.Owner, len(r.Actions), now)
			g.hub.Broadcast(websocket.MessageTypeRuleTriggered, map[string]interface{}{
				"rule_id": r.ID, "name": r.Name,
			})
			g.dirty |= dirtyRules
		}
	}
}

// recordTelemetry looks up the cache entry HandleIndication just wrote
// and forwards it to the telemetry sink, when the indication's cluster
// is one the Attribute Cache tracks.
func (g *Gateway) recordTelemetry(ind radio.Indication, now time.Time) {
	if g.telem == nil {
		return
	}
	var attr uint16
	switch ind.Cluster {
	case synchronizer.ClusterOnOff, synchronizer.ClusterLevel:
		attr = 0
	case synchronizer.ClusterIlluminanceMeasurement:
		attr = synchronizer.AttrIlluminanceMeasuredValue
	case synchronizer.ClusterOccupancySensing:
		attr = synchronizer.AttrOccupancy
	default:
		return
	}
	entry, ok := g.cch.Get(cache.Key{ExtAddr: ind.SrcAddr, Cluster: ind.Cluster, Attribute: attr})
	if !ok {
		return
	}
	var value float64
	switch {
	case entry.Value.Bool:
		value = 1
	case entry.Value.U32 != 0:
		value = float64(entry.Value.U32)
	default:
		value = float64(entry.Value.U8)
	}
	g.telem.Record(ind.SrcAddr, ind.Cluster, attr, value, now)
}

func (g *Gateway) refreshMetrics() {
	g.metrics.SetPipelineGauges(g.pipe.TasksLen(), g.pipe.RunningLen(), g.pipe.BindingQueueLen())
	g.metrics.SetRegistryGauges(len(g.reg.Lights()), len(g.reg.Sensors()), len(g.rules.List()))
}

// saveDirty persists only the entity classes touched since the last
// debounce window, through the rules engine's own best-effort
// Persist hook plus a direct storage upsert for lights/sensors/groups.
func (g *Gateway) saveDirty() {
	if g.dirty == 0 || g.store == nil {
		return
	}
	if g.dirty&dirtyLights != 0 {
		for _, l := range g.reg.Lights() {
			_ = g.store.SaveLight(l)
		}
	}
	if g.dirty&dirtySensors != 0 {
		for _, sn := range g.reg.Sensors() {
			_ = g.store.SaveSensor(sn)
		}
	}
	if g.dirty&dirtyGroups != 0 {
		for _, gr := range g.reg.Groups() {
			_ = g.store.SaveGroup(gr)
		}
	}
	if g.dirty&dirtyRules != 0 {
		g.rules.SaveTick()
	}
	g.dirty = 0
}
