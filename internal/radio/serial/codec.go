package serial

import (
	"encoding/binary"

	"github.com/edgeflow/meshgate/internal/radio"
	"github.com/edgeflow/meshgate/internal/registry"
)

// Wire layout is deliberately flat and fixed-width: this is a control
// link to a single local coordinator, not a versioned public protocol.

func encodeRequest(req radio.Request) []byte {
	out := make([]byte, 0, 32+len(req.Payload))
	out = append(out, byte(len(req.ID)))
	out = append(out, req.ID...)
	out = binary.BigEndian.AppendUint64(out, req.DstAddr)
	out = binary.BigEndian.AppendUint16(out, req.DstGroup)
	if req.Broadcast {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, req.Endpoint)
	out = binary.BigEndian.AppendUint16(out, req.Cluster)
	out = binary.BigEndian.AppendUint16(out, req.ProfileID)
	out = binary.BigEndian.AppendUint16(out, uint16(len(req.Payload)))
	out = append(out, req.Payload...)
	return out
}

func decodeIndication(b []byte) (radio.Indication, bool) {
	if len(b) < 21 {
		return radio.Indication{}, false
	}
	ind := radio.Indication{
		SrcAddr:   binary.BigEndian.Uint64(b[0:8]),
		GPSrcID:   binary.BigEndian.Uint32(b[8:12]),
		Endpoint:  b[12],
		Cluster:   binary.BigEndian.Uint16(b[13:15]),
		ProfileID: binary.BigEndian.Uint16(b[15:17]),
	}
	n := binary.BigEndian.Uint16(b[17:19])
	if int(19+n) > len(b) {
		return radio.Indication{}, false
	}
	ind.Payload = b[19 : 19+n]
	return ind, true
}

func decodeConfirm(b []byte) (radio.Confirm, bool) {
	if len(b) < 2 {
		return radio.Confirm{}, false
	}
	idLen := int(b[0])
	if len(b) < 1+idLen+1 {
		return radio.Confirm{}, false
	}
	id := string(b[1 : 1+idLen])
	status := radio.Status(b[1+idLen])
	return radio.Confirm{RequestID: id, Status: status}, true
}

func decodeNodeEvent(b []byte) (radio.NodeEvent, bool) {
	if len(b) < 10 {
		return radio.NodeEvent{}, false
	}
	kind := radio.NodeEventKind(b[0])
	extAddr := binary.BigEndian.Uint64(b[1:9])
	epCount := int(b[9])
	off := 10
	if len(b) < off+epCount {
		return radio.NodeEvent{}, false
	}
	endpoints := append([]uint8(nil), b[off:off+epCount]...)
	off += epCount

	ev := radio.NodeEvent{Kind: kind, ExtAddr: extAddr, Endpoints: endpoints}
	if kind == radio.NodeSimpleDescriptor && len(b) > off {
		sd, ok := decodeSimpleDescriptor(b[off:])
		if ok {
			ev.Descriptor = sd
		}
	}
	return ev, true
}

func decodeSimpleDescriptor(b []byte) (registry.SimpleDescriptor, bool) {
	if len(b) < 9 {
		return registry.SimpleDescriptor{}, false
	}
	sd := registry.SimpleDescriptor{
		Endpoint:  b[0],
		ProfileID: binary.BigEndian.Uint16(b[1:3]),
		DeviceID:  binary.BigEndian.Uint16(b[3:5]),
	}
	inCount := int(b[5])
	off := 6
	for i := 0; i < inCount && off+2 <= len(b); i++ {
		sd.InClusters = append(sd.InClusters, binary.BigEndian.Uint16(b[off:off+2]))
		off += 2
	}
	if off >= len(b) {
		return sd, true
	}
	outCount := int(b[off])
	off++
	for i := 0; i < outCount && off+2 <= len(b); i++ {
		sd.OutClusters = append(sd.OutClusters, binary.BigEndian.Uint16(b[off:off+2]))
		off += 2
	}
	return sd, true
}
