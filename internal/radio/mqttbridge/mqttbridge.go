// Package mqttbridge drives a zigbee2mqtt-compatible coordinator bridge
// over MQTT instead of a local serial stick, following the
// zigbee2mqtt/bridge/... topic conventions.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/radio"
	"github.com/edgeflow/meshgate/internal/registry"
)

// Driver bridges the gateway's Request/Indication/Confirm/NodeEvent
// model onto zigbee2mqtt's MQTT topic tree.
type Driver struct {
	log    *zap.Logger
	client mqtt.Client
	topic  string // base topic, e.g. "zigbee2mqtt"

	mu        sync.Mutex
	inNetwork bool
	pending   map[string]chan struct{} // request id -> ack-wait, for Confirm synthesis

	indications chan radio.Indication
	confirms    chan radio.Confirm
	nodeEvents  chan radio.NodeEvent
}

// Config is the MQTT broker connection profile.
type Config struct {
	BrokerURL string
	ClientID  string
	Topic     string
	Username  string
	Password  string
}

// Connect dials the broker and subscribes to the bridge's device and
// state topics.
func Connect(cfg Config, log *zap.Logger) (*Driver, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	d := &Driver{
		log:         log,
		topic:       cfg.Topic,
		inNetwork:   true,
		pending:     make(map[string]chan struct{}),
		indications: make(chan radio.Indication, 64),
		confirms:    make(chan radio.Confirm, 64),
		nodeEvents:  make(chan radio.NodeEvent, 64),
	}
	opts.SetOnConnectHandler(d.onConnect)

	d.client = mqtt.NewClient(opts)
	token := d.client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("radio/mqttbridge: connect: %w", token.Error())
	}
	return d, nil
}

func (d *Driver) onConnect(c mqtt.Client) {
	c.Subscribe(d.topic+"/+/availability", 0, d.onAvailability)
	c.Subscribe(d.topic+"/bridge/event", 0, d.onBridgeEvent)
	c.Subscribe(d.topic+"/+", 0, d.onDeviceState)
}

// onAvailability maps zigbee2mqtt's per-device availability topic onto
// a NodeZombie/NodeAlive event. Friendly names are expected to be the
// device's extended address in hex, matching this gateway's addressing.
func (d *Driver) onAvailability(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 3 {
		return
	}
	extAddr, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 64)
	if err != nil {
		return
	}
	var payload struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		return
	}
	kind := radio.NodeAlive
	if payload.State == "offline" {
		kind = radio.NodeZombie
	}
	d.nodeEvents <- radio.NodeEvent{Kind: kind, ExtAddr: extAddr}
}

// onBridgeEvent maps zigbee2mqtt's device_joined/device_leave bridge
// events onto NodeJoined/NodeLeft, and interprets an attached
// definition payload as a simple-descriptor-equivalent NodeEvent.
func (d *Driver) onBridgeEvent(_ mqtt.Client, msg mqtt.Message) {
	var ev struct {
		Type string `json:"type"`
		Data struct {
			IEEEAddress string `json:"ieee_address"`
			Definition  struct {
				Exposes []struct {
					Endpoint string `json:"endpoint"`
				} `json:"exposes"`
			} `json:"definition"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		return
	}
	extAddr, err := strconv.ParseUint(strings.TrimPrefix(ev.Data.IEEEAddress, "0x"), 16, 64)
	if err != nil {
		return
	}
	switch ev.Type {
	case "device_joined":
		d.nodeEvents <- radio.NodeEvent{Kind: radio.NodeJoined, ExtAddr: extAddr}
	case "device_leave":
		d.nodeEvents <- radio.NodeEvent{Kind: radio.NodeLeft, ExtAddr: extAddr}
	case "device_interview":
		d.nodeEvents <- radio.NodeEvent{
			Kind:       radio.NodeSimpleDescriptor,
			ExtAddr:    extAddr,
			Descriptor: registry.SimpleDescriptor{Endpoint: 1},
		}
	}
}

// onDeviceState maps a device's state-report topic onto an Indication
// carrying a JSON payload; the synchronizer decodes the attribute it
// asked for out of the raw bytes.
func (d *Driver) onDeviceState(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 2 {
		return
	}
	extAddr, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 64)
	if err != nil {
		return
	}
	d.indications <- radio.Indication{
		SrcAddr: extAddr,
		Payload: msg.Payload(),
	}
}

// Send publishes req onto the device's /set topic. zigbee2mqtt does not
// expose a request/ack handshake over raw APS, so a Confirm is
// synthesized as soon as the publish is acknowledged by the broker.
func (d *Driver) Send(ctx context.Context, req radio.Request) error {
	topic := fmt.Sprintf("%s/0x%016x/set", d.topic, req.DstAddr)
	if req.Broadcast || req.DstGroup != 0 {
		topic = fmt.Sprintf("%s/group_%d/set", d.topic, req.DstGroup)
	}

	token := d.client.Publish(topic, 0, false, req.Payload)
	done := make(chan error, 1)
	go func() {
		token.Wait()
		done <- token.Error()
	}()

	select {
	case err := <-done:
		status := radio.StatusSuccess
		if err != nil {
			status = radio.StatusError
		}
		d.confirms <- radio.Confirm{RequestID: req.ID, Status: status}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
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
	d.client.Disconnect(250)
	close(d.indications)
	close(d.confirms)
	close(d.nodeEvents)
	return nil
}
