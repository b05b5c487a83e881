package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverallWorstProbeWins(t *testing.T) {
	c := NewChecker()
	c.Register("a", time.Minute, func(ctx context.Context) (Status, string) {
		return StatusHealthy, "ok"
	})
	c.Register("b", time.Minute, func(ctx context.Context) (Status, string) {
		return StatusDegraded, "meh"
	})
	c.Register("c", time.Minute, func(ctx context.Context) (Status, string) {
		return StatusUnhealthy, "down"
	})

	c.RunAll(context.Background())
	assert.Equal(t, StatusUnhealthy, c.Overall())
}

func TestOverallHealthyBeforeAnyRun(t *testing.T) {
	c := NewChecker()
	c.Register("a", time.Minute, func(ctx context.Context) (Status, string) {
		return StatusUnhealthy, "down"
	})
	// Probes default to healthy until actually executed.
	assert.Equal(t, StatusHealthy, c.Overall())
}

func TestReportPreservesRegistrationOrder(t *testing.T) {
	c := NewChecker()
	for _, name := range []string{"radio", "storage", "loop"} {
		name := name
		c.Register(name, time.Minute, func(ctx context.Context) (Status, string) {
			return StatusHealthy, name
		})
	}
	c.RunAll(context.Background())

	rep := c.Report()
	require.Len(t, rep.Checks, 3)
	assert.Equal(t, "radio", rep.Checks[0].Name)
	assert.Equal(t, "storage", rep.Checks[1].Name)
	assert.Equal(t, "loop", rep.Checks[2].Name)
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.False(t, rep.Checks[0].LastCheck.IsZero())
}

func TestRunDueSkipsFreshProbes(t *testing.T) {
	c := NewChecker()
	calls := 0
	c.Register("slow", time.Hour, func(ctx context.Context) (Status, string) {
		calls++
		return StatusHealthy, "ok"
	})

	now := time.Now()
	c.runDue(context.Background(), now)
	c.runDue(context.Background(), now.Add(time.Second))
	assert.Equal(t, 1, calls, "a probe on an hourly interval must not re-run after one second")

	c.runDue(context.Background(), now.Add(2*time.Hour))
	assert.Equal(t, 2, calls)
}

func TestRadioLinkCheck(t *testing.T) {
	joined := false
	fn := RadioLinkCheck(func() bool { return joined })

	status, msg := fn(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Contains(t, msg, "not in network")

	joined = true
	status, _ = fn(context.Background())
	assert.Equal(t, StatusHealthy, status)
}

func TestStorageCheck(t *testing.T) {
	fn := StorageCheck(func(ctx context.Context) error { return nil })
	status, _ := fn(context.Background())
	assert.Equal(t, StatusHealthy, status)

	fn = StorageCheck(func(ctx context.Context) error { return errors.New("disk io") })
	status, msg := fn(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
	assert.Contains(t, msg, "disk io")
}

func TestStorageCheckBoundsThePing(t *testing.T) {
	fn := StorageCheck(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		require.True(t, ok, "ping must run under a deadline")
		return nil
	})
	status, _ := fn(context.Background())
	assert.Equal(t, StatusHealthy, status)
}

func TestLoopLagCheckThresholds(t *testing.T) {
	lag := time.Duration(0)
	fn := LoopLagCheck(func() time.Duration { return lag }, 500*time.Millisecond)

	lag = 100 * time.Millisecond
	status, _ := fn(context.Background())
	assert.Equal(t, StatusHealthy, status)

	lag = 700 * time.Millisecond
	status, _ = fn(context.Background())
	assert.Equal(t, StatusDegraded, status)

	lag = 3 * time.Second
	status, msg := fn(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
	assert.Contains(t, msg, "stalled")
}

func TestQueueSaturationCheck(t *testing.T) {
	depth := 0
	fn := QueueSaturationCheck(func() int { return depth }, 20)

	status, _ := fn(context.Background())
	assert.Equal(t, StatusHealthy, status)

	depth = 15 // three quarters of 20
	status, _ = fn(context.Background())
	assert.Equal(t, StatusDegraded, status)

	depth = 20
	status, msg := fn(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
	assert.Contains(t, msg, "full")
}

func TestStartStopsOnContextCancel(t *testing.T) {
	c := NewChecker()
	c.Register("noop", time.Hour, func(ctx context.Context) (Status, string) {
		return StatusHealthy, "ok"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
