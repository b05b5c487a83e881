package registry

// AddrEndpoint keys a light/sensor lookup by hardware identity.
type AddrEndpoint struct {
	ExtAddr  uint64
	Endpoint uint8
}

// fingerprintKey keys a sensor lookup by (ext_addr, fingerprint, type).
type fingerprintKey struct {
	ExtAddr  uint64
	Endpoint uint8
	DeviceID uint16
	Type     SensorType
}

// NodeState tracks radio-level node facts the registry needs for
// reachability and admission decisions — the node-event stream from the
// radio driver.
type NodeState struct {
	ExtAddr        uint64
	Zombie         bool
	ActiveEndpoints map[uint8]bool
}

// Registry is the Node Registry: sole owner of lights, sensors, groups,
// and scenes. It is only ever touched from the gateway's single event
// loop goroutine, so it carries no internal locking.
type Registry struct {
	lights      map[string]*Light
	lightsByKey map[AddrEndpoint]*Light

	sensors      map[string]*Sensor
	sensorsByKey map[fingerprintKey]*Sensor

	groups     map[uint16]*Group
	groupsByID map[string]*Group

	nodes map[uint64]*NodeState
}

// New creates an empty Node Registry, pre-seeded with the broadcast
// group.
func New() *Registry {
	r := &Registry{
		lights:       make(map[string]*Light),
		lightsByKey:  make(map[AddrEndpoint]*Light),
		sensors:      make(map[string]*Sensor),
		sensorsByKey: make(map[fingerprintKey]*Sensor),
		groups:       make(map[uint16]*Group),
		groupsByID:   make(map[string]*Group),
		nodes:        make(map[uint64]*NodeState),
	}
	r.groups[0] = &Group{Address: 0, ID: "0", Name: "All"}
	r.groupsByID["0"] = r.groups[0]
	return r
}

// --- Lookups ---

func (r *Registry) LightByID(id string) (*Light, bool) {
	l, ok := r.lights[id]
	return l, ok
}

func (r *Registry) LightByAddr(addr uint64, endpoint uint8) (*Light, bool) {
	l, ok := r.lightsByKey[AddrEndpoint{addr, endpoint}]
	return l, ok
}

func (r *Registry) Lights() []*Light {
	out := make([]*Light, 0, len(r.lights))
	for _, l := range r.lights {
		out = append(out, l)
	}
	return out
}

func (r *Registry) SensorByID(id string) (*Sensor, bool) {
	s, ok := r.sensors[id]
	return s, ok
}

func (r *Registry) SensorByFingerprint(addr uint64, endpoint uint8, deviceID uint16, typ SensorType) (*Sensor, bool) {
	s, ok := r.sensorsByKey[fingerprintKey{addr, endpoint, deviceID, typ}]
	return s, ok
}

// SensorByEndpointAndType finds a sensor facet by (ext_addr, endpoint,
// type), ignoring device id — used when consuming an indication whose
// device id is not known up front (e.g. an attribute report arriving
// independent of the admission handshake).
func (r *Registry) SensorByEndpointAndType(addr uint64, endpoint uint8, typ SensorType) (*Sensor, bool) {
	for _, s := range r.sensors {
		if s.HasFingerprint && s.ExtAddr == addr && s.Fingerprint.Endpoint == endpoint && s.Type == typ {
			return s, true
		}
	}
	return nil, false
}

// SensorByGPSrcID finds a green-power sensor by its 32-bit GPD source
// id — the only identity a green-power data indication carries.
func (r *Registry) SensorByGPSrcID(gpdSrcID uint32) (*Sensor, bool) {
	for _, s := range r.sensors {
		if !s.HasFingerprint && s.GPSrcID == gpdSrcID {
			return s, true
		}
	}
	return nil, false
}

func (r *Registry) Sensors() []*Sensor {
	out := make([]*Sensor, 0, len(r.sensors))
	for _, s := range r.sensors {
		out = append(out, s)
	}
	return out
}

func (r *Registry) GroupByAddress(addr uint16) (*Group, bool) {
	g, ok := r.groups[addr]
	return g, ok
}

func (r *Registry) GroupByID(id string) (*Group, bool) {
	g, ok := r.groupsByID[id]
	return g, ok
}

func (r *Registry) Groups() []*Group {
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// EnsureGroup returns the group at addr, creating it (with the next
// free id) if it does not yet exist — used when a light reports
// membership in a group the gateway has not seen before.
func (r *Registry) EnsureGroup(addr uint16) *Group {
	if g, ok := r.groups[addr]; ok {
		return g
	}
	existing := make(map[string]bool, len(r.groupsByID))
	for id := range r.groupsByID {
		existing[id] = true
	}
	g := &Group{
		Address:           addr,
		ID:                NextID(existing),
		Name:              "Group",
		DeviceMemberships: make(map[string]bool),
		MultiDeviceIDs:    make(map[string]bool),
	}
	r.groups[addr] = g
	r.groupsByID[g.ID] = g
	return g
}

// LoadLight re-admits a persisted light into the registry's lookup
// tables at startup, without touching the radio.
func (r *Registry) LoadLight(l *Light) {
	r.lights[l.ID] = l
	r.lightsByKey[AddrEndpoint{l.ExtAddr, l.Endpoint}] = l
}

// LoadSensor mirrors LoadLight for sensors, keying the fingerprint
// lookup only when the sensor carries one (green-power sensors don't).
func (r *Registry) LoadSensor(s *Sensor) {
	r.sensors[s.ID] = s
	if s.HasFingerprint {
		r.sensorsByKey[fingerprintKey{s.ExtAddr, s.Fingerprint.Endpoint, s.Fingerprint.DeviceID, s.Type}] = s
	}
}

// LoadGroup mirrors LoadLight for groups. The broadcast group (address
// 0) is always pre-seeded by New, so a persisted row for it just
// replaces that placeholder.
func (r *Registry) LoadGroup(g *Group) {
	r.groups[g.Address] = g
	r.groupsByID[g.ID] = g
}

func (r *Registry) DeleteGroup(id string) {
	g, ok := r.groupsByID[id]
	if !ok {
		return
	}
	g.State = GroupDeleted
	delete(r.groups, g.Address)
	// groupsByID retains the row: deleted entities keep their
	// in-memory row with Deleted state.
}

// --- Node tracking ---

func (r *Registry) node(addr uint64) *NodeState {
	n, ok := r.nodes[addr]
	if !ok {
		n = &NodeState{ExtAddr: addr, ActiveEndpoints: make(map[uint8]bool)}
		r.nodes[addr] = n
	}
	return n
}

// SetNodeZombie updates the node's zombie flag and recomputes
// reachability for every light/sensor hosted on it.
func (r *Registry) SetNodeZombie(addr uint64, zombie bool) {
	n := r.node(addr)
	n.Zombie = zombie
	r.recomputeReachability(addr)
}

// SetActiveEndpoints replaces the node's active endpoint set (as
// reported by an Active_EP_req response or simple-descriptor sweep).
func (r *Registry) SetActiveEndpoints(addr uint64, endpoints []uint8) {
	n := r.node(addr)
	n.ActiveEndpoints = make(map[uint8]bool, len(endpoints))
	for _, ep := range endpoints {
		n.ActiveEndpoints[ep] = true
	}
	r.recomputeReachability(addr)
}

// HasActiveEndpoint reports whether endpoint is in the node's active
// endpoint set, as last reported by a node event.
func (r *Registry) HasActiveEndpoint(extAddr uint64, endpoint uint8) bool {
	n, ok := r.nodes[extAddr]
	if !ok {
		return false
	}
	return n.ActiveEndpoints[endpoint]
}

func (r *Registry) recomputeReachability(addr uint64) {
	n, ok := r.nodes[addr]
	if !ok {
		return
	}
	for _, l := range r.lights {
		if l.ExtAddr == addr {
			l.Reachable = lightReachable(l, n)
		}
	}
	for _, s := range r.sensors {
		if s.ExtAddr == addr {
			s.Config.Reachable = sensorReachable(s, n)
		}
	}
}

// lightReachable: a light is reachable iff the node reports
// non-failure state and the light's endpoint is active.
func lightReachable(l *Light, n *NodeState) bool {
	if n == nil {
		return l.Reachable
	}
	if n.Zombie {
		return false
	}
	return n.ActiveEndpoints[l.Endpoint]
}

// sensorReachable applies the same rule, with the green-power
// exception: endpoint-less sensors are always reachable.
func sensorReachable(s *Sensor, n *NodeState) bool {
	if !s.HasFingerprint {
		return true
	}
	if n == nil {
		return s.Config.Reachable
	}
	if n.Zombie {
		return false
	}
	return n.ActiveEndpoints[s.Fingerprint.Endpoint]
}
