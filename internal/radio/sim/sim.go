// Package sim is an in-memory Driver used by tests and by the
// development config profile — it never touches a real coordinator.
package sim

import (
	"context"
	"sync"

	"github.com/edgeflow/meshgate/internal/radio"
)

// Driver is a fake radio.Driver whose Send just records the request and
// immediately queues a success Confirm, unless the test has primed a
// different outcome via SetConfirm.
type Driver struct {
	mu          sync.Mutex
	sent        []radio.Request
	confirmFor  map[string]radio.Status
	indications chan radio.Indication
	confirms    chan radio.Confirm
	nodeEvents  chan radio.NodeEvent
	inNetwork   bool
}

// New creates a ready Driver, already joined to a simulated network.
func New() *Driver {
	return &Driver{
		confirmFor:  make(map[string]radio.Status),
		indications: make(chan radio.Indication, 64),
		confirms:    make(chan radio.Confirm, 64),
		nodeEvents:  make(chan radio.NodeEvent, 64),
		inNetwork:   true,
	}
}

func (d *Driver) Send(ctx context.Context, req radio.Request) error {
	d.mu.Lock()
	d.sent = append(d.sent, req)
	status, ok := d.confirmFor[req.ID]
	d.mu.Unlock()
	if !ok {
		status = radio.StatusSuccess
	}
	select {
	case d.confirms <- radio.Confirm{RequestID: req.ID, Status: status}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// SetConfirm primes the Status Send will report for a given request id.
func (d *Driver) SetConfirm(reqID string, status radio.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirmFor[reqID] = status
}

// Sent returns every request handed to Send so far, for test assertions.
func (d *Driver) Sent() []radio.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]radio.Request, len(d.sent))
	copy(out, d.sent)
	return out
}

// InjectIndication lets a test simulate an inbound APS indication.
func (d *Driver) InjectIndication(ind radio.Indication) {
	d.indications <- ind
}

// InjectNodeEvent lets a test simulate a coordinator topology event.
func (d *Driver) InjectNodeEvent(ev radio.NodeEvent) {
	d.nodeEvents <- ev
}

func (d *Driver) SetInNetwork(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inNetwork = v
}

func (d *Driver) Indications() <-chan radio.Indication { return d.indications }
func (d *Driver) Confirms() <-chan radio.Confirm       { return d.confirms }
func (d *Driver) NodeEvents() <-chan radio.NodeEvent   { return d.nodeEvents }

func (d *Driver) InNetwork() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inNetwork
}

func (d *Driver) Close() error {
	close(d.indications)
	close(d.confirms)
	close(d.nodeEvents)
	return nil
}
