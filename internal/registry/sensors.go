package registry

import "github.com/edgeflow/meshgate/internal/etag"

// classifySensor derives a sensor type from a cluster fingerprint.
func classifySensor(fp Fingerprint) (SensorType, bool) {
	switch {
	case hasCluster(fp.InClusters, clusterOnOffSwitchConfig),
		hasCluster(fp.OutClusters, clusterOnOff),
		hasCluster(fp.OutClusters, clusterLevel),
		hasCluster(fp.OutClusters, clusterScenes):
		return SensorZHASwitch, true
	case hasCluster(fp.InClusters, clusterOccupancySensing):
		return SensorZHAPresence, true
	case hasCluster(fp.InClusters, clusterIlluminanceMeasurement):
		return SensorZHALight, true
	default:
		return "", false
	}
}

// AdmitSensor processes one endpoint's fingerprint and creates or
// refreshes the corresponding Sensor. A single node may host several
// sensor facets (one per fingerprint), each stored as its own row.
func (r *Registry) AdmitSensor(extAddr uint64, fp Fingerprint) *Sensor {
	typ, ok := classifySensor(fp)
	if !ok {
		return nil
	}

	if s, ok := r.SensorByFingerprint(extAddr, fp.Endpoint, fp.DeviceID, typ); ok {
		s.Config.Reachable = true
		s.Etag = etag.New()
		return s
	}

	existing := make(map[string]bool, len(r.sensors))
	for id := range r.sensors {
		existing[id] = true
	}

	s := &Sensor{
		ID:             NextID(existing),
		ExtAddr:        extAddr,
		Endpoint:       fp.Endpoint,
		HasFingerprint: true,
		Fingerprint:    fp,
		Type:           typ,
		Config:         SensorConfig{Reachable: true, On: true, Battery: 255},
		StateClusterValues: make(map[ClusterAttr]uint64),
		Etag:           etag.New(),
	}
	r.sensors[s.ID] = s
	r.sensorsByKey[fingerprintKey{extAddr, fp.Endpoint, fp.DeviceID, typ}] = s
	return s
}

// The accepted GPD device id set is currently just the on/off
// switch.
const greenPowerOnOffSwitch = 0x02

// AdmitGreenPowerSwitch creates (or revives) a ZGPSwitch sensor keyed
// by its 32-bit GPD source id, if the device id is the accepted one.
func (r *Registry) AdmitGreenPowerSwitch(gpdSrcID uint32, deviceID uint8) *Sensor {
	if deviceID != greenPowerOnOffSwitch {
		return nil
	}
	for _, s := range r.sensors {
		if !s.HasFingerprint && s.GPSrcID == gpdSrcID {
			if s.DeletedAt == SensorDeleted {
				s.DeletedAt = SensorNormal
			}
			return s
		}
	}

	existing := make(map[string]bool, len(r.sensors))
	for id := range r.sensors {
		existing[id] = true
	}
	s := &Sensor{
		ID:                 NextID(existing),
		HasFingerprint:     false,
		GPSrcID:            gpdSrcID,
		Type:               SensorZGPSwitch,
		Config:             SensorConfig{Reachable: true, On: true},
		StateClusterValues: make(map[ClusterAttr]uint64),
		Etag:               etag.New(),
	}
	r.sensors[s.ID] = s
	return s
}

// DeleteSensor marks a sensor deleted without evicting the in-memory
// row.
func (r *Registry) DeleteSensor(id string) {
	if s, ok := r.sensors[id]; ok {
		s.DeletedAt = SensorDeleted
	}
}
