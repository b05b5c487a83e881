package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/radio"
)

const (
	maxTasks        = 20
	maxRunningTasks = 4
)

type deferredTask struct {
	task    *Task
	readyAt time.Time
}

// GroupRateStore persists per-group last-send timestamps outside the
// process, so a fleet of gateways sharing one mesh honor a common
// broadcast/group-address throttle. Pipeline falls
// back to an in-memory map when none is configured via SetRateStore.
type GroupRateStore interface {
	LastSend(ctx context.Context, groupAddr uint16) (time.Time, bool)
	MarkSent(ctx context.Context, groupAddr uint16, at time.Time)
}

// Pipeline owns the ready queue, the running-task table, and the
// binding queue, plus the radio driver they feed. Like the Registry, it is touched only from
// the gateway's event loop goroutine.
type Pipeline struct {
	driver radio.Driver
	log    *zap.Logger

	tasks        []*Task
	runningTasks map[string]*Task
	deferred     []deferredTask
	bindingQueue []*BindingTask

	groupLastSend  map[uint16]time.Time
	rateStore      GroupRateStore
	GroupSendDelay time.Duration
	MaxGroupTasks  int

	// Unavailable reports whether extAddr is a known-unreachable unicast
	// node, causing queued tasks to it to be dropped on dispatch.
	Unavailable func(extAddr uint64) bool

	// OnDrop, if set, is called whenever DispatchTick drops a queued
	// task because its destination is a known-unavailable unicast
	// node. Lets callers surface the drop (metrics,
	// websocket notification) without the pipeline depending on them.
	OnDrop func(taskID string, extAddr uint64)
}

// New creates a Pipeline bound to driver.
func New(driver radio.Driver, log *zap.Logger, groupSendDelay time.Duration, maxGroupTasks int) *Pipeline {
	return &Pipeline{
		driver:         driver,
		log:            log,
		runningTasks:   make(map[string]*Task),
		groupLastSend:  make(map[uint16]time.Time),
		GroupSendDelay: groupSendDelay,
		MaxGroupTasks:  maxGroupTasks,
	}
}

// Enqueue adds t to the ready queue, coalescing idempotent task types
// against an identical already-queued destination/cluster/profile/size, and
// rejecting if the queue is already at capacity.
func (p *Pipeline) Enqueue(t *Task) bool {
	if t.Type.idempotent() {
		for i, existing := range p.tasks {
			if sameCoalesceKey(existing, t) {
				t.enqueuedAt = time.Now()
				p.tasks[i] = t
				return true
			}
		}
	}
	if len(p.tasks) >= maxTasks {
		return false
	}
	t.enqueuedAt = time.Now()
	p.tasks = append(p.tasks, t)
	return true
}

// SetRateStore swaps the group-send throttle to a shared backend
// (e.g. Redis). Passing nil reverts to the in-memory map.
func (p *Pipeline) SetRateStore(store GroupRateStore) {
	p.rateStore = store
}

func (p *Pipeline) lastGroupSend(ctx context.Context, groupAddr uint16) time.Time {
	if p.rateStore != nil {
		if t, ok := p.rateStore.LastSend(ctx, groupAddr); ok {
			return t
		}
		return time.Time{}
	}
	return p.groupLastSend[groupAddr]
}

func (p *Pipeline) markGroupSent(ctx context.Context, groupAddr uint16, now time.Time) {
	if p.rateStore != nil {
		p.rateStore.MarkSent(ctx, groupAddr, now)
		return
	}
	p.groupLastSend[groupAddr] = now
}

// TasksLen and RunningLen expose queue depth for backpressure checks
// elsewhere (the rules engine's binding-queue throttle, the
// synchronizer's group-task backpressure).
func (p *Pipeline) TasksLen() int   { return len(p.tasks) }
func (p *Pipeline) RunningLen() int { return len(p.runningTasks) }

// QueueCapacity reports the ready-queue bound, for saturation probes.
func (p *Pipeline) QueueCapacity() int { return maxTasks }

// CanEnqueueGroupTask reports whether the synchronizer's 250ms
// group-task tick may add another task this pass.
func (p *Pipeline) CanEnqueueGroupTask() bool {
	return len(p.tasks) <= p.MaxGroupTasks
}

// DispatchTick runs one pass of the ~100ms dispatch loop. Deferred
// tasks whose delay has elapsed rejoin the ready queue at the end of
// the pass and are dispatched from the next tick on.
func (p *Pipeline) DispatchTick(ctx context.Context, now time.Time) {
	defer p.drainDeferred(now)

	if !p.driver.InNetwork() {
		p.tasks = nil
		p.runningTasks = make(map[string]*Task)
		return
	}
	if len(p.runningTasks) > maxRunningTasks {
		return
	}

	for i := 0; i < len(p.tasks); i++ {
		t := p.tasks[i]

		if p.isUnavailableUnicast(t) {
			p.tasks = append(p.tasks[:i], p.tasks[i+1:]...)
			i--
			if p.OnDrop != nil {
				p.OnDrop(t.ID, t.Dest.ExtAddr)
			}
			continue
		}
		if p.destinationRunning(t.Dest) {
			continue
		}
		if t.Dest.Broadcast || t.Dest.DstGroup != 0 {
			if now.Sub(p.lastGroupSend(ctx, t.Dest.DstGroup)) < p.GroupSendDelay {
				continue
			}
		}

		req := radio.Request{
			ID:        t.ID,
			DstAddr:   t.Dest.ExtAddr,
			DstGroup:  t.Dest.DstGroup,
			Broadcast: t.Dest.Broadcast,
			Endpoint:  t.Dest.Endpoint,
			Cluster:   t.Cluster,
			ProfileID: t.ProfileID,
			Payload:   t.Payload,
		}
		if err := p.driver.Send(ctx, req); err != nil {
			p.log.Warn("pipeline: send failed", zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		if t.Dest.Broadcast || t.Dest.DstGroup != 0 {
			p.markGroupSent(ctx, t.Dest.DstGroup, now)
		}
		p.tasks = append(p.tasks[:i], p.tasks[i+1:]...)
		if !t.FireAndForget {
			p.runningTasks[t.ID] = t
		}
		return
	}
}

func (p *Pipeline) isUnavailableUnicast(t *Task) bool {
	if t.Dest.Broadcast || t.Dest.DstGroup != 0 {
		return false
	}
	return p.Unavailable != nil && p.Unavailable(t.Dest.ExtAddr)
}

func (p *Pipeline) destinationRunning(d Destination) bool {
	for _, t := range p.runningTasks {
		if t.Dest == d {
			return true
		}
	}
	return false
}

func (p *Pipeline) drainDeferred(now time.Time) {
	remaining := p.deferred[:0]
	for _, d := range p.deferred {
		if now.Before(d.readyAt) {
			remaining = append(remaining, d)
			continue
		}
		p.Enqueue(d.task)
	}
	p.deferred = remaining
}

// ConfirmReceived correlates an inbound radio confirm with its
// running-task entry and removes it. A NoAck on a group-identifiers
// query is rescheduled
// with a long delay instead of being dropped.
func (p *Pipeline) ConfirmReceived(c radio.Confirm, longDelay time.Duration, now time.Time) {
	t, ok := p.runningTasks[c.RequestID]
	if !ok {
		p.ConfirmBinding(c)
		return
	}
	delete(p.runningTasks, c.RequestID)

	if c.Status == radio.StatusNoAck && t.Type == TaskGroupMembershipQuery {
		p.deferred = append(p.deferred, deferredTask{task: t, readyAt: now.Add(longDelay)})
		return
	}
	if c.Status != radio.StatusSuccess {
		p.log.Info("pipeline: non-success confirm", zap.String("task_id", t.ID), zap.Int("status", int(c.Status)))
	}
}

// EnqueueBinding is a de-duplicated insert: bt is added only if no
// equal BindingTask is already queued.
func (p *Pipeline) EnqueueBinding(bt BindingTask) bool {
	for _, existing := range p.bindingQueue {
		if existing.equal(bt) {
			return false
		}
	}
	p.bindingQueue = append(p.bindingQueue, &bt)
	return true
}

func (p *Pipeline) BindingQueueLen() int          { return len(p.bindingQueue) }
func (p *Pipeline) BindingQueue() []*BindingTask { return p.bindingQueue }

// RemoveBinding drops bt from the queue once Finished.
func (p *Pipeline) RemoveBinding(bt *BindingTask) {
	for i, b := range p.bindingQueue {
		if b == bt {
			p.bindingQueue = append(p.bindingQueue[:i], p.bindingQueue[i+1:]...)
			return
		}
	}
}
