package pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/radio"
	"github.com/edgeflow/meshgate/internal/radio/sim"
)

func newTestPipeline() (*Pipeline, *sim.Driver) {
	d := sim.New()
	p := New(d, zap.NewNop(), 10*time.Millisecond, 4)
	return p, d
}

func TestEnqueueRejects21stTask(t *testing.T) {
	p, _ := newTestPipeline()
	for i := 0; i < 20; i++ {
		ok := p.Enqueue(&Task{ID: string(rune('a' + i)), Type: TaskReadAttributes, Dest: Destination{ExtAddr: uint64(i) + 1}})
		if !ok {
			t.Fatalf("enqueue %d: expected success", i)
		}
	}
	if ok := p.Enqueue(&Task{ID: "overflow", Type: TaskReadAttributes, Dest: Destination{ExtAddr: 999}}); ok {
		t.Fatal("21st enqueue should be rejected")
	}
}

func TestIdempotentTaskCoalesces(t *testing.T) {
	p, _ := newTestPipeline()
	dest := Destination{ExtAddr: 1, Endpoint: 1}
	p.Enqueue(&Task{ID: "first", Type: TaskSetOnOff, Dest: dest, Payload: []byte{1}})
	p.Enqueue(&Task{ID: "second", Type: TaskSetOnOff, Dest: dest, Payload: []byte{0}})
	if got := p.TasksLen(); got != 1 {
		t.Fatalf("expected coalesced queue of 1, got %d", got)
	}
}

func TestDispatchSerializesPerDestination(t *testing.T) {
	p, _ := newTestPipeline()
	dest := Destination{ExtAddr: 1, Endpoint: 1}
	p.Enqueue(&Task{ID: "a", Type: TaskReadAttributes, Dest: dest})
	p.Enqueue(&Task{ID: "b", Type: TaskReadAttributes, Dest: dest})

	now := time.Now()
	p.DispatchTick(context.Background(), now)

	if p.RunningLen() != 1 {
		t.Fatalf("expected 1 running task, got %d", p.RunningLen())
	}
	if p.TasksLen() != 1 {
		t.Fatalf("expected second same-destination task to remain queued, got %d", p.TasksLen())
	}

	p.DispatchTick(context.Background(), now)
	if p.TasksLen() != 1 {
		t.Fatal("same-destination task must not dispatch while one is already running")
	}
}

func TestConfirmCorrelationRemovesRunningTask(t *testing.T) {
	p, _ := newTestPipeline()
	p.Enqueue(&Task{ID: "a", Type: TaskReadAttributes, Dest: Destination{ExtAddr: 1}})
	p.DispatchTick(context.Background(), time.Now())
	if p.RunningLen() != 1 {
		t.Fatal("expected task to move to running")
	}
	p.ConfirmReceived(radio.Confirm{RequestID: "a", Status: radio.StatusSuccess}, time.Minute, time.Now())
	if p.RunningLen() != 0 {
		t.Fatal("confirm should remove the running task")
	}
}

func TestNoAckOnGroupQueryReschedules(t *testing.T) {
	p, _ := newTestPipeline()
	p.Enqueue(&Task{ID: "q", Type: TaskGroupMembershipQuery, Dest: Destination{ExtAddr: 1}})
	now := time.Now()
	p.DispatchTick(context.Background(), now)
	p.ConfirmReceived(radio.Confirm{RequestID: "q", Status: radio.StatusNoAck}, time.Hour, now)

	if p.TasksLen() != 0 {
		t.Fatal("rescheduled task should not be immediately requeued")
	}
	p.DispatchTick(context.Background(), now.Add(2*time.Hour))
	if p.TasksLen() != 1 {
		t.Fatal("task should reappear in the ready queue once its delay elapses")
	}
}

func TestDispatchDropsUnavailableUnicastAndNotifiesOnDrop(t *testing.T) {
	p, _ := newTestPipeline()
	p.Unavailable = func(extAddr uint64) bool { return extAddr == 42 }

	var droppedID string
	var droppedAddr uint64
	p.OnDrop = func(taskID string, extAddr uint64) {
		droppedID = taskID
		droppedAddr = extAddr
	}

	p.Enqueue(&Task{ID: "dead", Type: TaskReadAttributes, Dest: Destination{ExtAddr: 42}})
	p.DispatchTick(context.Background(), time.Now())

	if p.TasksLen() != 0 {
		t.Fatalf("task to an unavailable unicast destination should be dropped, got %d queued", p.TasksLen())
	}
	if droppedID != "dead" || droppedAddr != 42 {
		t.Fatalf("OnDrop should report the dropped task, got id=%q addr=%d", droppedID, droppedAddr)
	}
}

func TestBindingQueueDeduplicates(t *testing.T) {
	p, _ := newTestPipeline()
	bt := BindingTask{SrcExtAddr: 1, SrcEndpoint: 2, DstExtAddr: 3, DstEndpoint: 1, Cluster: ClusterLevel, Action: BindBind}
	if !p.EnqueueBinding(bt) {
		t.Fatal("first insert should succeed")
	}
	if p.EnqueueBinding(bt) {
		t.Fatal("duplicate insert should be rejected")
	}
	if p.BindingQueueLen() != 1 {
		t.Fatalf("expected 1 queued binding task, got %d", p.BindingQueueLen())
	}
}
