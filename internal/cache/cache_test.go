package cache

import (
	"testing"
	"time"
)

func TestFreshWithinWindow(t *testing.T) {
	c := New()
	k := Key{ExtAddr: 1, Cluster: 0x0400, Attribute: 0x0000}
	t0 := time.Now()
	c.SetByReport(k, Value{U16: 150}, t0)

	if !c.Fresh(k, 15*time.Second, t0.Add(5*time.Second)) {
		t.Fatal("entry set 5s ago should be fresh under a 15s window")
	}
	if c.Fresh(k, 15*time.Second, t0.Add(60*time.Second)) {
		t.Fatal("entry set 60s ago should not be fresh under a 15s window")
	}
}

func TestFreshMissingEntryIsNeverFresh(t *testing.T) {
	c := New()
	k := Key{ExtAddr: 2, Cluster: 0x0400, Attribute: 0x0000}
	if c.Fresh(k, 15*time.Second, time.Now()) {
		t.Fatal("a never-set attribute must not report fresh")
	}
}

func TestNeedsForcedReadPreventsReadStorm(t *testing.T) {
	c := New()
	k := Key{ExtAddr: 3, Cluster: 0x0400, Attribute: 0x0000}
	t0 := time.Now()
	c.SetByReport(k, Value{U16: 10}, t0)

	stale := t0.Add(60 * time.Second) // past the 15s freshness window
	if !c.NeedsForcedRead(k, 15*time.Second, stale) {
		t.Fatal("a stale attribute with no prior read request should need a forced read")
	}

	// A read request was just issued: within half the freshness window,
	// a second forced read must be suppressed, or every stale rule
	// evaluation would fire another read.
	c.MarkReadRequested(k, stale)
	if c.NeedsForcedRead(k, 15*time.Second, stale.Add(2*time.Second)) {
		t.Fatal("a recent read request should suppress another forced read")
	}

	// Once more than half the freshness window has passed since that
	// read request, a new forced read is allowed again.
	if !c.NeedsForcedRead(k, 15*time.Second, stale.Add(8*time.Second)) {
		t.Fatal("forced read should be allowed again after half the freshness window elapses")
	}
}

func TestSetByReadDoesNotStampReportTime(t *testing.T) {
	c := New()
	k := Key{ExtAddr: 4, Cluster: 0x0006, Attribute: 0x0000}
	now := time.Now()
	c.SetByRead(k, Value{Bool: true}, now)

	e, ok := c.Get(k)
	if !ok {
		t.Fatal("expected entry to exist after SetByRead")
	}
	if e.UpdateType != ByRead {
		t.Fatalf("expected UpdateType ByRead, got %v", e.UpdateType)
	}
	if !e.LastReport.IsZero() {
		t.Fatal("SetByRead must not stamp LastReport, only LastSet")
	}
}
