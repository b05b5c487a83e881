package registry

import (
	"fmt"

	"github.com/edgeflow/meshgate/internal/etag"
)

// SimpleDescriptor is one endpoint's manifest, as reported on a node
// event.
type SimpleDescriptor struct {
	Endpoint    uint8
	ProfileID   uint16
	DeviceID    uint16
	InClusters  []uint16
	OutClusters []uint16
}

// device ids recognized for the ZLL "color controller" heuristic:
// admission requires both color and level clusters, to distinguish
// the 4-key vendor switch from a light.
const (
	clusterOnOff                 = 0x0006
	clusterLevel                 = 0x0008
	clusterColorControl          = 0x0300
	clusterScenes                = 0x0005
	clusterOccupancySensing      = 0x0406
	clusterIlluminanceMeasurement = 0x0400
	clusterOnOffSwitchConfig     = 0x0007

	profileHA  = 0x0104
	profileZLL = 0xC05E

	deviceOnOffLight        = 0x0000
	deviceDimmableLight     = 0x0101
	deviceColorLight        = 0x0102
	deviceColorTempLight    = 0x010C
	deviceExtendedColorLight = 0x010D
	deviceMainsOutlet       = 0x0009
	deviceOnOffSensor       = 0x0830 // on/off plugin-style sensor actuator
	deviceZLLColorController = 0xC00F
)

// lightDeviceWhitelist is the hard-coded (profile_id, device_id)
// admission set: on/off, dimmable, color and color-temperature
// lights, mains outlets, and the on/off sensor actuator.
var lightDeviceWhitelist = map[uint16]map[uint16]bool{
	profileHA: {
		deviceOnOffLight:     true,
		deviceDimmableLight:  true,
		deviceColorLight:     true,
		deviceColorTempLight: true,
		deviceMainsOutlet:    true,
		deviceOnOffSensor:    true,
	},
	profileZLL: {
		deviceOnOffLight:         true,
		deviceDimmableLight:      true,
		deviceColorLight:         true,
		deviceColorTempLight:     true,
		deviceExtendedColorLight: true,
	},
}

func hasCluster(clusters []uint16, id uint16) bool {
	for _, c := range clusters {
		if c == id {
			return true
		}
	}
	return false
}

// admitsLight decides whether a simple descriptor should be admitted as
// a light, applying the ZLL color-controller heuristic.
func admitsLight(sd SimpleDescriptor) bool {
	if sd.ProfileID == profileZLL && sd.DeviceID == deviceZLLColorController {
		return hasCluster(sd.InClusters, clusterColorControl) && hasCluster(sd.InClusters, clusterLevel)
	}
	byProfile, ok := lightDeviceWhitelist[sd.ProfileID]
	if !ok {
		return false
	}
	return byProfile[sd.DeviceID]
}

// FormatUniqueID builds the stable unique_id format: MAC-endpoint, each
// MAC byte colon separated, endpoint as two hex digits.
func FormatUniqueID(extAddr uint64, endpoint uint8) string {
	b := [8]byte{}
	for i := 0; i < 8; i++ {
		b[i] = byte(extAddr >> (8 * (7 - i)))
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x:%02x:%02x-%02x",
		b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7], endpoint)
}

// legacyOrMissingUniqueID reports whether a light's stored unique_id
// needs rewriting because it predates the current format or is absent.
func legacyOrMissingUniqueID(l *Light) bool {
	return l.UniqueID != FormatUniqueID(l.ExtAddr, l.Endpoint)
}

// LightAdmission is the outcome of evaluating a node event's simple
// descriptors against the light whitelist.
type LightAdmission struct {
	Light   *Light
	Created bool
	// NeedsPersist is true when the caller should hand the light to
	// the storage backend.
	NeedsPersist bool
}

// AdmitLight processes one endpoint's simple descriptor from a node
// event and creates or refreshes the corresponding Light. Returns nil
// if the descriptor is not in the whitelist.
func (r *Registry) AdmitLight(extAddr uint64, sd SimpleDescriptor) *LightAdmission {
	if !admitsLight(sd) {
		return nil
	}

	if l, ok := r.LightByAddr(extAddr, sd.Endpoint); ok {
		l.Reachable = true
		if legacyOrMissingUniqueID(l) {
			l.UniqueID = FormatUniqueID(extAddr, sd.Endpoint)
		}
		l.PendingReadFlags = ReadOnOff | ReadLevel | ReadColor | ReadGroups | ReadScenes |
			ReadModelID | ReadSWBuild | ReadVendor | ReadBindingTable
		l.Etag = etag.New()
		return &LightAdmission{Light: l, Created: false, NeedsPersist: false}
	}

	existing := make(map[string]bool, len(r.lights))
	for id := range r.lights {
		existing[id] = true
	}

	l := &Light{
		ID:         NextID(existing),
		ExtAddr:    extAddr,
		Endpoint:   sd.Endpoint,
		ProfileID:  sd.ProfileID,
		DeviceID:   sd.DeviceID,
		UniqueID:   FormatUniqueID(extAddr, sd.Endpoint),
		ColorMode:  ColorModeHS,
		Reachable:  true,
		SceneCount: make(map[uint16]uint8),
		GroupMembership: make(map[uint16]*GroupMembershipState),
		PendingReadFlags: ReadOnOff | ReadLevel | ReadColor | ReadGroups | ReadScenes |
			ReadModelID | ReadSWBuild | ReadVendor | ReadBindingTable,
		Etag: etag.New(),
	}
	r.lights[l.ID] = l
	r.lightsByKey[AddrEndpoint{extAddr, sd.Endpoint}] = l

	return &LightAdmission{Light: l, Created: true, NeedsPersist: true}
}

// membership returns (creating if necessary) the light's reconciliation
// record for a group address.
func (l *Light) membership(addr uint16) *GroupMembershipState {
	if l.GroupMembership == nil {
		l.GroupMembership = make(map[uint16]*GroupMembershipState)
	}
	m, ok := l.GroupMembership[addr]
	if !ok {
		m = &GroupMembershipState{PendingScenes: make(map[uint8]bool)}
		l.GroupMembership[addr] = m
	}
	return m
}
