package synchronizer

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/cache"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/radio"
	"github.com/edgeflow/meshgate/internal/radio/sim"
	"github.com/edgeflow/meshgate/internal/registry"
)

func newTestSynchronizer() (*Synchronizer, *registry.Registry) {
	reg := registry.New()
	pipe := pipeline.New(sim.New(), zap.NewNop(), 10*time.Millisecond, 4)
	cch := cache.New()
	cfg := Config{
		IdleUserLimit:           time.Second,
		IdleReadLimit:           10 * time.Second,
		IdleAttrReportBindLimit: time.Minute,
		MaxRuleAttrAge:          15 * time.Second,
	}
	return New(cfg, reg, pipe, cch, zap.NewNop()), reg
}

func TestDecodeIlluminanceSentinels(t *testing.T) {
	if got := decodeIlluminance(0); got != illuminanceInvalidSentinel {
		t.Fatalf("z=0 should be invalid, got %d", got)
	}
	if got := decodeIlluminance(0xFFFF); got != illuminanceInvalidSentinel {
		t.Fatalf("z=0xFFFF should be invalid, got %d", got)
	}
	if got := decodeIlluminance(30000); got == illuminanceInvalidSentinel {
		t.Fatal("a normal reading should not decode to the invalid sentinel")
	}
}

func TestHandleIndicationUpdatesLightAndEtag(t *testing.T) {
	s, reg := newTestSynchronizer()
	admission := reg.AdmitLight(1, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0000})
	oldEtag := admission.Light.Etag

	s.HandleIndication(radio.Indication{SrcAddr: 1, Endpoint: 1, Cluster: ClusterOnOff, Payload: []byte{1}}, time.Now())

	if !admission.Light.On {
		t.Fatal("light should be on after the indication")
	}
	if admission.Light.Etag == oldEtag {
		t.Fatal("etag should change on a mutating indication")
	}
}

func TestHandleIndicationCachesFreshValue(t *testing.T) {
	s, _ := newTestSynchronizer()
	now := time.Now()
	s.HandleIndication(radio.Indication{SrcAddr: 1, Endpoint: 1, Cluster: ClusterOnOff, Payload: []byte{1}}, now)

	k := cache.Key{ExtAddr: 1, Cluster: ClusterOnOff, Attribute: 0}
	if !s.cch.Fresh(k, 15*time.Second, now) {
		t.Fatal("value just set should be fresh")
	}
	if s.cch.Fresh(k, 15*time.Second, now.Add(time.Minute)) {
		t.Fatal("value should go stale after the freshness window")
	}
}

func TestNodeZombieMarksLightUnreachable(t *testing.T) {
	s, reg := newTestSynchronizer()
	admission := reg.AdmitLight(1, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0000})
	s.HandleNodeEvent(radio.NodeEvent{Kind: radio.NodeJoined, ExtAddr: 1, Endpoints: []uint8{1}})
	if !admission.Light.Reachable {
		t.Fatal("light with an active endpoint should be reachable")
	}
	s.HandleNodeEvent(radio.NodeEvent{Kind: radio.NodeZombie, ExtAddr: 1})
	if admission.Light.Reachable {
		t.Fatal("light on a zombie node should become unreachable")
	}
}
