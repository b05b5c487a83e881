// Package serial drives a ConBee/RaspBee-style coordinator over a local
// serial port, framing requests and replies with a start delimiter
// followed by a 2-byte big-endian length and the body. Frames carry no
// checksum byte.
package serial

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"

	meshradio "github.com/edgeflow/meshgate/internal/radio"
)

const (
	frameDelimiter      = 0x7e
	commandIndication   = 0x01
	commandConfirm      = 0x02
	commandNodeEvent    = 0x03
	commandDataRequest  = 0x10
)

// Driver talks to the coordinator over a serial port.
type Driver struct {
	log  *zap.Logger
	port serial.Port

	mu        sync.Mutex
	inNetwork bool

	indications chan meshradio.Indication
	confirms    chan meshradio.Confirm
	nodeEvents  chan meshradio.NodeEvent

	done chan struct{}
}

// Open opens dev at baud and starts the read loop. The caller must call
// Close to release the port and stop the reader goroutine.
func Open(dev string, baud int, log *zap.Logger) (*Driver, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(dev, mode)
	if err != nil {
		return nil, fmt.Errorf("radio/serial: open %s: %w", dev, err)
	}

	d := &Driver{
		log:         log,
		port:        port,
		inNetwork:   true,
		indications: make(chan meshradio.Indication, 64),
		confirms:    make(chan meshradio.Confirm, 64),
		nodeEvents:  make(chan meshradio.NodeEvent, 64),
		done:        make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *Driver) readLoop() {
	r := bufio.NewReader(d.port)
	for {
		frame, err := readFrame(r)
		if err != nil {
			if err == io.EOF {
				return
			}
			d.log.Warn("radio/serial: frame read failed", zap.Error(err))
			select {
			case <-d.done:
				return
			default:
				continue
			}
		}
		d.dispatch(frame)
	}
}

// readFrame consumes up to the delimiter, then a 2-byte length and the
// body, mirroring the length-prefixed ConBee protocol shape.
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == frameDelimiter {
			break
		}
	}
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (d *Driver) dispatch(frame []byte) {
	if len(frame) < 1 {
		return
	}
	switch frame[0] {
	case commandIndication:
		ind, ok := decodeIndication(frame[1:])
		if ok {
			d.indications <- ind
		}
	case commandConfirm:
		cf, ok := decodeConfirm(frame[1:])
		if ok {
			d.confirms <- cf
		}
	case commandNodeEvent:
		ev, ok := decodeNodeEvent(frame[1:])
		if ok {
			d.nodeEvents <- ev
		}
	}
}

func (d *Driver) Send(ctx context.Context, req meshradio.Request) error {
	frame := encodeRequest(req)
	out := make([]byte, 0, len(frame)+3)
	out = append(out, frameDelimiter)
	out = binary.BigEndian.AppendUint16(out, uint16(len(frame)))
	out = append(out, frame...)

	done := make(chan error, 1)
	go func() {
		_, err := d.port.Write(out)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) Indications() <-chan meshradio.Indication { return d.indications }
func (d *Driver) Confirms() <-chan meshradio.Confirm       { return d.confirms }
func (d *Driver) NodeEvents() <-chan meshradio.NodeEvent   { return d.nodeEvents }

func (d *Driver) InNetwork() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inNetwork
}

func (d *Driver) Close() error {
	close(d.done)
	close(d.indications)
	close(d.confirms)
	close(d.nodeEvents)
	return d.port.Close()
}
