package pipeline

import (
	"context"
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/radio"
)

// ZDP cluster ids the binding machinery exchanges with the source
// device. ZDP frames ride profile 0x0000.
const (
	zdpBindReq        = 0x0021
	zdpUnbindReq      = 0x0022
	zdpMgmtBindReq    = 0x0033
	ZDPMgmtBindRsp    = 0x8033
	zdpProfile        = 0x0000
	zdpDstModeGroup   = 0x01
	zdpDstModeExtAddr = 0x03
)

// wire maps a BindingCluster to its ZCL cluster id.
func (c BindingCluster) wire() uint16 {
	switch c {
	case ClusterOnOff:
		return 0x0006
	case ClusterLevel:
		return 0x0008
	case ClusterScene:
		return 0x0005
	case ClusterIlluminanceMeasurement:
		return 0x0400
	case ClusterOccupancySensing:
		return 0x0406
	}
	return 0
}

// BindingEntry is one row of a device's binding table, as decoded from
// a Mgmt_Bind_rsp.
type BindingEntry struct {
	SrcExtAddr  uint64
	SrcEndpoint uint8
	Cluster     uint16
	DstIsGroup  bool
	DstGroup    uint16
	DstExtAddr  uint64
	DstEndpoint uint8
}

// matches reports whether the entry is the wire state bt wants to
// install (or remove).
func (e BindingEntry) matches(bt *BindingTask) bool {
	return e.SrcExtAddr == bt.SrcExtAddr && e.SrcEndpoint == bt.SrcEndpoint &&
		e.Cluster == bt.Cluster.wire() &&
		e.DstIsGroup == bt.DstIsGroup && e.DstGroup == bt.DstGroup &&
		e.DstExtAddr == bt.DstExtAddr && e.DstEndpoint == bt.DstEndpoint
}

// BindingTick advances the head BindingTask through its lifecycle
// (Idle → Check → InProgress → Finished). One state transition per
// invocation, mirroring the rest of the pipeline's one-operation-per-
// tick pacing.
func (p *Pipeline) BindingTick(ctx context.Context, now time.Time) {
	if len(p.bindingQueue) == 0 || !p.driver.InNetwork() {
		return
	}
	bt := p.bindingQueue[0]

	switch bt.State {
	case BindingIdle:
		// Read the source device's binding table first; the response
		// decides whether any wire operation is needed at all.
		bt.reqID = "bind-check-" + bindingKey(bt)
		req := radio.Request{
			ID:        bt.reqID,
			DstAddr:   bt.SrcExtAddr,
			Endpoint:  0, // ZDP rides endpoint 0
			Cluster:   zdpMgmtBindReq,
			ProfileID: zdpProfile,
			Payload:   []byte{0}, // start index
		}
		if err := p.driver.Send(ctx, req); err != nil {
			// Source offline: retain the task until confirmable.
			p.log.Debug("binding: check send failed", zap.Error(err))
			return
		}
		bt.State = BindingCheck

	case BindingCheck, BindingInProgress:
		// Waiting on a Mgmt_Bind_rsp / confirm; nothing to do this tick.

	case BindingFinished:
		p.RemoveBinding(bt)
	}
}

// HandleBindingTableResponse resolves a Check-state BindingTask against
// the source device's reported binding table: an already-correct table
// finishes the task, otherwise the Bind_req/Unbind_req goes out and the
// task moves to InProgress.
func (p *Pipeline) HandleBindingTableResponse(ctx context.Context, srcExtAddr uint64, entries []BindingEntry) {
	for _, bt := range p.bindingQueue {
		if bt.State != BindingCheck || bt.SrcExtAddr != srcExtAddr {
			continue
		}
		installed := false
		for _, e := range entries {
			if e.matches(bt) {
				installed = true
				break
			}
		}
		needOp := (bt.Action == BindBind && !installed) || (bt.Action == BindUnbind && installed)
		if !needOp {
			bt.State = BindingFinished
			continue
		}

		cluster := uint16(zdpBindReq)
		if bt.Action == BindUnbind {
			cluster = zdpUnbindReq
		}
		bt.reqID = "bind-op-" + bindingKey(bt)
		req := radio.Request{
			ID:        bt.reqID,
			DstAddr:   bt.SrcExtAddr,
			Endpoint:  0,
			Cluster:   cluster,
			ProfileID: zdpProfile,
			Payload:   encodeBindPayload(bt),
		}
		if err := p.driver.Send(ctx, req); err != nil {
			bt.State = BindingIdle // retry the whole cycle later
			continue
		}
		bt.State = BindingInProgress
	}
}

// ConfirmBinding correlates a radio confirm against in-flight binding
// requests. Returns true if the confirm belonged to one.
func (p *Pipeline) ConfirmBinding(c radio.Confirm) bool {
	for _, bt := range p.bindingQueue {
		if bt.reqID != c.RequestID {
			continue
		}
		switch {
		case bt.State == BindingInProgress && c.Status == radio.StatusSuccess:
			bt.State = BindingFinished
		case bt.State == BindingInProgress:
			// Source offline or busy: back to Idle, retained in the queue
			// until confirmable.
			bt.State = BindingIdle
		case bt.State == BindingCheck && c.Status != radio.StatusSuccess:
			bt.State = BindingIdle
		}
		return true
	}
	return false
}

// DecodeMgmtBindRsp parses a ZDP Mgmt_Bind_rsp payload: status u8,
// table size u8, start index u8, list count u8, then per entry the
// source ext address (u64 LE), source endpoint, cluster (u16 LE),
// destination mode, and a group or (ext addr, endpoint) destination.
func DecodeMgmtBindRsp(b []byte) []BindingEntry {
	if len(b) < 4 || b[0] != 0 {
		return nil
	}
	count := int(b[3])
	off := 4
	out := make([]BindingEntry, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < off+12 {
			return out
		}
		e := BindingEntry{
			SrcExtAddr:  binary.LittleEndian.Uint64(b[off : off+8]),
			SrcEndpoint: b[off+8],
			Cluster:     binary.LittleEndian.Uint16(b[off+9 : off+11]),
		}
		mode := b[off+11]
		off += 12
		switch mode {
		case zdpDstModeGroup:
			if len(b) < off+2 {
				return out
			}
			e.DstIsGroup = true
			e.DstGroup = binary.LittleEndian.Uint16(b[off : off+2])
			off += 2
		case zdpDstModeExtAddr:
			if len(b) < off+9 {
				return out
			}
			e.DstExtAddr = binary.LittleEndian.Uint64(b[off : off+8])
			e.DstEndpoint = b[off+8]
			off += 9
		default:
			return out
		}
		out = append(out, e)
	}
	return out
}

func encodeBindPayload(bt *BindingTask) []byte {
	out := make([]byte, 0, 21)
	out = binary.LittleEndian.AppendUint64(out, bt.SrcExtAddr)
	out = append(out, bt.SrcEndpoint)
	out = binary.LittleEndian.AppendUint16(out, bt.Cluster.wire())
	if bt.DstIsGroup {
		out = append(out, zdpDstModeGroup)
		out = binary.LittleEndian.AppendUint16(out, bt.DstGroup)
	} else {
		out = append(out, zdpDstModeExtAddr)
		out = binary.LittleEndian.AppendUint64(out, bt.DstExtAddr)
		out = append(out, bt.DstEndpoint)
	}
	return out
}

func bindingKey(bt *BindingTask) string {
	var b [14]byte
	binary.BigEndian.PutUint64(b[0:8], bt.SrcExtAddr)
	b[8] = bt.SrcEndpoint
	binary.BigEndian.PutUint16(b[9:11], bt.Cluster.wire())
	b[11] = byte(bt.Action)
	binary.BigEndian.PutUint16(b[12:14], bt.DstGroup)
	return string(b[:])
}
