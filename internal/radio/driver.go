// Package radio abstracts the coordinator link: the Radio I/O Pipeline
// (internal/pipeline) sends frames through a Driver and the gateway
// consumes its three event streams, without caring whether the underlying transport
// is a serial-attached ConBee/RaspBee stick, an MQTT bridge, or (in
// tests) a simulated one.
package radio

import (
	"context"

	"github.com/edgeflow/meshgate/internal/registry"
)

// Request is one outbound APS data request.
type Request struct {
	ID          string // correlation id, echoed back on the matching Confirm
	DstAddr     uint64 // 0 for group/broadcast destinations
	DstGroup    uint16
	Broadcast   bool
	Endpoint    uint8
	Cluster     uint16
	ProfileID   uint16
	Payload     []byte
}

// Status is the outcome of a Confirm.
type Status int

const (
	StatusSuccess Status = iota
	StatusNoAck
	StatusBusy
	StatusError
)

// Confirm reports the fate of a previously sent Request.
type Confirm struct {
	RequestID string
	Status    Status
}

// Indication is an inbound APS data indication: either an unsolicited
// attribute report or the response to a read/command the gateway sent.
type Indication struct {
	SrcAddr   uint64
	GPSrcID   uint32 // set instead of SrcAddr for green-power indications
	Endpoint  uint8
	Cluster   uint16
	ProfileID uint16
	Payload   []byte
}

// NodeEventKind classifies a NodeEvent.
type NodeEventKind int

const (
	NodeJoined NodeEventKind = iota
	NodeLeft
	NodeSimpleDescriptor
	NodeZombie
	NodeAlive
)

// NodeEvent reports coordinator-observed network topology changes.
type NodeEvent struct {
	Kind       NodeEventKind
	ExtAddr    uint64
	Endpoints  []uint8
	Descriptor registry.SimpleDescriptor
}

// Driver is the coordinator link contract. Implementations must be
// safe to use from a single goroutine only — the gateway's radio pump
// goroutine is the sole reader of the three channels and its event
// loop the sole caller of Send.
type Driver interface {
	// Send queues req for transmission. It returns once the request has
	// been handed to the transport, not once it has been acknowledged;
	// the outcome arrives later on Confirms().
	Send(ctx context.Context, req Request) error

	Indications() <-chan Indication
	Confirms() <-chan Confirm
	NodeEvents() <-chan NodeEvent

	// InNetwork reports whether the coordinator currently has an
	// active network; the pipeline only dispatches while joined.
	InNetwork() bool

	Close() error
}
