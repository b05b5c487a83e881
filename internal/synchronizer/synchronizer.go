// Package synchronizer keeps the Node Registry and Attribute Cache
// converged with the mesh: it issues the periodic reads that refresh
// stale state and consumes radio indications to update
// cached values and reachability.
package synchronizer

import (
	"encoding/binary"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/cache"
	"github.com/edgeflow/meshgate/internal/etag"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/radio"
	"github.com/edgeflow/meshgate/internal/registry"
)

// Clusters and attributes the synchronizer reads/writes and the cache
// tracks.
const (
	ClusterBasic                  = 0x0000
	ClusterOnOff                  = 0x0006
	ClusterLevel                  = 0x0008
	ClusterColorControl           = 0x0300
	ClusterGroups                 = 0x0004
	ClusterScenes                 = 0x0005
	ClusterIlluminanceMeasurement = 0x0400
	ClusterOccupancySensing       = 0x0406

	AttrIlluminanceMeasuredValue = 0x0000
	AttrOccupancy                = 0x0000
	AttrOccupiedToUnoccupiedTime = 0x0010

	illuminanceInvalidSentinel = 0xFFFF

	// Basic cluster attribute selector, encoded as payload[0] since
	// the Indication type carries no attribute id of its own.
	basicAttrManufacturer = 0
	basicAttrModel        = 1
	basicAttrSWBuild      = 2

	// Color Control reports lead with the reporting color mode, matching
	// Light.ColorMode.
	colorModeHSWire = 0
	colorModeXYWire = 1
	colorModeCTWire = 2
)

// Config holds the synchronizer's timing and manufacturer whitelist
// parameters.
type Config struct {
	IdleUserLimit          time.Duration
	IdleReadLimit          time.Duration
	IdleAttrReportBindLimit time.Duration
	MaxRuleAttrAge         time.Duration

	// BindingCapable reports whether a (manufacturer, model) pair is
	// known to cooperate with attribute-report bindings. The lookup is a
	// callback rather than a map so the composition root can hot-swap
	// the whitelist when the config file changes on disk. Nil means no
	// device is binding-capable.
	BindingCapable func(manufacturer, model string) bool
}

// Synchronizer drives idle-loop and attribute-processing ticks, and
// consumes the radio driver's indication/node-event streams.
type Synchronizer struct {
	cfg  Config
	reg  *registry.Registry
	pipe *pipeline.Pipeline
	cch  *cache.Cache
	log  *zap.Logger

	lastExternalWrite time.Time
	idleRRLight       int
	idleRRSensor      int
	groupRR           int
}

// New creates a Synchronizer.
func New(cfg Config, reg *registry.Registry, pipe *pipeline.Pipeline, cch *cache.Cache, log *zap.Logger) *Synchronizer {
	return &Synchronizer{cfg: cfg, reg: reg, pipe: pipe, cch: cch, log: log, lastExternalWrite: time.Now()}
}

// NoteExternalWrite resets the idle clock; called by the REST layer on
// every write that reaches a resource handler.
func (s *Synchronizer) NoteExternalWrite(now time.Time) {
	s.lastExternalWrite = now
}

// IdleTick is the ~1s idle loop: after enough user inactivity, walk
// lights and sensors round-robin and schedule re-reads for whatever
// has gone stale.
func (s *Synchronizer) IdleTick(now time.Time) {
	if now.Sub(s.lastExternalWrite) < s.cfg.IdleUserLimit {
		return
	}

	lights := s.reg.Lights()
	if len(lights) > 0 {
		s.idleRRLight %= len(lights)
		l := lights[s.idleRRLight]
		s.idleRRLight++
		s.maybeScheduleLightRead(l, now)
	}

	sensors := s.reg.Sensors()
	if len(sensors) > 0 {
		s.idleRRSensor %= len(sensors)
		sn := sensors[s.idleRRSensor]
		s.idleRRSensor++
		s.maybeScheduleSensorRead(sn, now)
	}
}

func (s *Synchronizer) maybeScheduleLightRead(l *registry.Light, now time.Time) {
	if now.Sub(l.LastRead) >= s.cfg.IdleReadLimit {
		l.PendingReadFlags.Set(registry.ReadOnOff | registry.ReadLevel | registry.ReadColor |
			registry.ReadGroups | registry.ReadScenes | registry.ReadModelID |
			registry.ReadSWBuild | registry.ReadVendor | registry.ReadBindingTable)
		l.LastRead = now
	}
	if now.Sub(l.LastAttributeReportBind) >= s.cfg.IdleAttrReportBindLimit {
		if s.bindingCapable(l.Manufacturer, l.Model) {
			l.PendingReadFlags.Set(registry.ReadBindingTable)
		}
		l.LastAttributeReportBind = now
	}
}

func (s *Synchronizer) maybeScheduleSensorRead(sn *registry.Sensor, now time.Time) {
	if !sn.HasFingerprint {
		return // green-power sensors have no endpoint to read from
	}
	if now.Sub(sn.State.LastUpdated) < s.cfg.IdleReadLimit {
		return
	}
	s.pipe.Enqueue(&pipeline.Task{
		ID:      requestID(sn.ExtAddr, ClusterBasic),
		Type:    pipeline.TaskReadAttributes,
		Dest:    pipeline.Destination{ExtAddr: sn.ExtAddr, Endpoint: sn.Fingerprint.Endpoint},
		Cluster: ClusterBasic,
	})
}

func (s *Synchronizer) bindingCapable(manufacturer, model string) bool {
	if s.cfg.BindingCapable == nil {
		return false
	}
	return s.cfg.BindingCapable(manufacturer, model)
}

// AttributeProcessingTick is the ~750ms attribute loop: at most two
// ZCL operations per tick per entity, in a fixed order.
// Sensors have one write-side operation, the occupancy duration.
func (s *Synchronizer) AttributeProcessingTick(now time.Time) {
	for _, l := range s.reg.Lights() {
		s.processLight(l, now)
	}
	for _, sn := range s.reg.Sensors() {
		s.processSensor(sn)
	}
}

func (s *Synchronizer) processSensor(sn *registry.Sensor) {
	if !sn.Config.DurationPending || !sn.HasFingerprint {
		return
	}
	d := sn.Config.Duration
	payload := []byte{
		byte(AttrOccupiedToUnoccupiedTime), byte(AttrOccupiedToUnoccupiedTime >> 8),
		byte(d), byte(d >> 8),
	}
	ok := s.pipe.Enqueue(&pipeline.Task{
		ID:      requestID(sn.ExtAddr, ClusterOccupancySensing),
		Type:    pipeline.TaskWriteAttribute,
		Dest:    pipeline.Destination{ExtAddr: sn.ExtAddr, Endpoint: sn.Fingerprint.Endpoint},
		Cluster: ClusterOccupancySensing,
		Payload: payload,
	})
	if ok {
		sn.Config.DurationPending = false
	}
}

func (s *Synchronizer) processLight(l *registry.Light, now time.Time) {
	budget := 2
	order := []registry.ReadFlags{
		registry.ReadBindingTable, registry.ReadVendor, registry.ReadModelID, registry.ReadSWBuild,
		registry.ReadOnOff, registry.ReadLevel, registry.ReadColor,
		registry.ReadGroups, registry.ReadScenes, registry.ReadSceneDetails,
	}
	for _, flag := range order {
		if budget == 0 {
			return
		}
		if !l.PendingReadFlags.Has(flag) {
			continue
		}
		if flag == registry.ReadBindingTable && !s.bindingCapable(l.Manufacturer, l.Model) {
			l.PendingReadFlags.Clear(flag)
			continue
		}
		if s.enqueueReadFor(l, flag) {
			l.PendingReadFlags.Clear(flag)
			budget--
		}
	}
}

func (s *Synchronizer) enqueueReadFor(l *registry.Light, flag registry.ReadFlags) bool {
	var cluster uint16
	var typ pipeline.TaskType = pipeline.TaskReadAttributes
	switch flag {
	case registry.ReadOnOff:
		cluster = ClusterOnOff
	case registry.ReadLevel:
		cluster = ClusterLevel
	case registry.ReadColor:
		cluster = ClusterColorControl
	case registry.ReadGroups:
		cluster = ClusterGroups
		typ = pipeline.TaskGroupMembershipQuery
	case registry.ReadScenes, registry.ReadSceneDetails:
		cluster = ClusterScenes
	case registry.ReadModelID, registry.ReadSWBuild, registry.ReadVendor:
		cluster = ClusterBasic
	case registry.ReadBindingTable:
		cluster = ClusterBasic
	default:
		return false
	}
	return s.pipe.Enqueue(&pipeline.Task{
		ID:   requestID(l.ExtAddr, cluster),
		Type: typ,
		Dest: pipeline.Destination{ExtAddr: l.ExtAddr, Endpoint: l.Endpoint},
		Cluster: cluster,
	})
}

func requestID(extAddr uint64, cluster uint16) string {
	var b [10]byte
	binary.BigEndian.PutUint64(b[0:8], extAddr)
	binary.BigEndian.PutUint16(b[8:10], cluster)
	return string(b[:])
}

// HandleIndication consumes one inbound APS indication, updating the
// Attribute Cache and Node Registry.
func (s *Synchronizer) HandleIndication(ind radio.Indication, now time.Time) {
	l, lightOK := s.reg.LightByAddr(ind.SrcAddr, ind.Endpoint)

	switch ind.Cluster {
	case ClusterOnOff:
		if len(ind.Payload) < 1 {
			return
		}
		on := ind.Payload[0] != 0
		s.cch.SetByReport(cache.Key{ExtAddr: ind.SrcAddr, Cluster: ind.Cluster, Attribute: 0}, cache.Value{Bool: on}, now)
		if lightOK && l.On != on {
			l.On = on
			l.Etag = stampEtag()
		}
	case ClusterLevel:
		if len(ind.Payload) < 1 {
			return
		}
		lvl := ind.Payload[0]
		s.cch.SetByReport(cache.Key{ExtAddr: ind.SrcAddr, Cluster: ind.Cluster, Attribute: 0}, cache.Value{U8: lvl}, now)
		if lightOK && l.Level != lvl {
			l.Level = lvl
			l.Etag = stampEtag()
		}
	case ClusterIlluminanceMeasurement:
		if len(ind.Payload) < 2 {
			return
		}
		raw := binary.LittleEndian.Uint16(ind.Payload[0:2])
		lux := decodeIlluminance(raw)
		s.cch.SetByReport(cache.Key{ExtAddr: ind.SrcAddr, Cluster: ind.Cluster, Attribute: AttrIlluminanceMeasuredValue}, cache.Value{U32: lux}, now)
		if sn, ok := s.reg.SensorByEndpointAndType(ind.SrcAddr, ind.Endpoint, registry.SensorZHALight); ok {
			sn.State.Lux = lux
			sn.State.LastUpdated = now
			sn.Etag = stampEtag()
		}
	case ClusterOccupancySensing:
		if len(ind.Payload) < 1 {
			return
		}
		present := ind.Payload[0]&0x01 != 0
		s.cch.SetByReport(cache.Key{ExtAddr: ind.SrcAddr, Cluster: ind.Cluster, Attribute: AttrOccupancy}, cache.Value{Bool: present}, now)
		if sn, ok := s.reg.SensorByEndpointAndType(ind.SrcAddr, ind.Endpoint, registry.SensorZHAPresence); ok {
			sn.State.Presence = present
			sn.State.LastUpdated = now
			sn.Etag = stampEtag()
		}
	case ClusterColorControl:
		s.handleColorControlIndication(l, lightOK, ind, now)
	case ClusterBasic:
		s.handleBasicIndication(l, lightOK, ind, now)
	case ClusterGroups:
		s.handleGroupsIndication(l, lightOK, ind.Payload)
	case ClusterScenes:
		s.handleScenesIndication(l, lightOK, ind.Payload)
	}
}

// handleColorControlIndication decodes a Color Control attribute
// report and mutates the light's color state. payload[0] selects the
// reporting color mode; the
// mode-specific fields follow.
func (s *Synchronizer) handleColorControlIndication(l *registry.Light, lightOK bool, ind radio.Indication, now time.Time) {
	if len(ind.Payload) < 1 {
		return
	}
	mode := ind.Payload[0]
	var val cache.Value
	var mutate func()

	switch mode {
	case colorModeHSWire:
		if len(ind.Payload) < 3 {
			return
		}
		hue, sat := ind.Payload[1], ind.Payload[2]
		val = cache.Value{U8: hue}
		mutate = func() {
			l.ColorMode = registry.ColorModeHS
			l.Hue = uint16(hue)
			l.Saturation = sat
		}
	case colorModeXYWire:
		if len(ind.Payload) < 5 {
			return
		}
		x := binary.LittleEndian.Uint16(ind.Payload[1:3])
		y := binary.LittleEndian.Uint16(ind.Payload[3:5])
		val = cache.Value{U16: x}
		mutate = func() {
			l.ColorMode = registry.ColorModeXY
			l.ColorX = x
			l.ColorY = y
		}
	case colorModeCTWire:
		if len(ind.Payload) < 3 {
			return
		}
		ct := binary.LittleEndian.Uint16(ind.Payload[1:3])
		val = cache.Value{U16: ct}
		mutate = func() {
			l.ColorMode = registry.ColorModeCT
			l.ColorTemperature = ct
		}
	default:
		return
	}

	s.cch.SetByReport(cache.Key{ExtAddr: ind.SrcAddr, Cluster: ind.Cluster, Attribute: 0}, val, now)
	if lightOK {
		mutate()
		l.Etag = stampEtag()
	}
}

// handleBasicIndication decodes a Basic cluster string-attribute
// report (manufacturer name, model identifier, or sw build id).
// payload[0] selects the attribute; payload[1] is the ZCL octet-
// string length; the string bytes follow.
func (s *Synchronizer) handleBasicIndication(l *registry.Light, lightOK bool, ind radio.Indication, now time.Time) {
	if len(ind.Payload) < 2 {
		return
	}
	selector := ind.Payload[0]
	n := int(ind.Payload[1])
	if len(ind.Payload) < 2+n {
		return
	}
	str := string(ind.Payload[2 : 2+n])

	s.cch.SetByReport(cache.Key{ExtAddr: ind.SrcAddr, Cluster: ind.Cluster, Attribute: uint16(selector)}, cache.Value{String: str}, now)
	if !lightOK {
		return
	}
	switch selector {
	case basicAttrManufacturer:
		l.Manufacturer = str
	case basicAttrModel:
		l.Model = str
	case basicAttrSWBuild:
		l.SWBuild = str
	default:
		return
	}
	l.Etag = stampEtag()
}

// decodeIlluminance approximates lux = 10^((z-1)/10000) as
// pow(10, z/10000) - 1, with the 0 / 0xFFFF sentinel treated as
// invalid.
func decodeIlluminance(z uint16) uint32 {
	if z == 0 || z == illuminanceInvalidSentinel {
		return illuminanceInvalidSentinel
	}
	lux := math.Pow(10, float64(z)/10000) - 1
	if lux < 0 {
		lux = 0
	}
	return uint32(lux)
}

// HandleNodeEvent updates reachability and admits lights/sensors on
// topology changes.
func (s *Synchronizer) HandleNodeEvent(ev radio.NodeEvent) {
	switch ev.Kind {
	case radio.NodeZombie:
		s.reg.SetNodeZombie(ev.ExtAddr, true)
	case radio.NodeAlive:
		s.reg.SetNodeZombie(ev.ExtAddr, false)
	case radio.NodeJoined:
		s.reg.SetActiveEndpoints(ev.ExtAddr, ev.Endpoints)
	case radio.NodeLeft:
		s.reg.SetNodeZombie(ev.ExtAddr, true)
	case radio.NodeSimpleDescriptor:
		s.reg.AdmitLight(ev.ExtAddr, ev.Descriptor)
		s.reg.AdmitSensor(ev.ExtAddr, registry.Fingerprint{
			Endpoint:    ev.Descriptor.Endpoint,
			DeviceID:    ev.Descriptor.DeviceID,
			ProfileID:   ev.Descriptor.ProfileID,
			InClusters:  ev.Descriptor.InClusters,
			OutClusters: ev.Descriptor.OutClusters,
		})
		s.reg.SetActiveEndpoints(ev.ExtAddr, ev.Endpoints)
	}
}

func stampEtag() string { return etag.New() }
