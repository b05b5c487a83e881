// Package telemetry writes attribute-cache updates to InfluxDB as a
// fire-and-forget time series, narrowed from a generic database-node
// write API down to the one write shape this gateway needs: one point
// per attribute change.
package telemetry

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// Sink writes attribute samples to an InfluxDB bucket. A nil Sink
// (Config.Enabled false) makes every Record a no-op, so the gateway
// event loop never branches on whether telemetry is configured.
type Sink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
	log         *zap.Logger
}

// New connects to InfluxDB and verifies health, or returns nil with no
// error if enabled is false (telemetry is an optional sink; its
// absence is never a startup failure).
func New(enabled bool, url, token, org, bucket string, log *zap.Logger) (*Sink, error) {
	if !enabled {
		return nil, nil
	}
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}

	return &Sink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(org, bucket),
		measurement: "zcl_attribute",
		log:         log,
	}, nil
}

// Record writes one attribute sample. Failures are logged and
// swallowed. The write is synchronous: the caller waits until InfluxDB
// answers or the 2s timeout expires.
func (s *Sink) Record(extAddr uint64, cluster, attribute uint16, value float64, now time.Time) {
	if s == nil {
		return
	}
	tags := map[string]string{
		"ext_addr":  formatHex(extAddr),
		"cluster":   formatHex16(cluster),
		"attribute": formatHex16(attribute),
	}
	fields := map[string]interface{}{"value": value}
	point := write.NewPoint(s.measurement, tags, fields, now)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.writeAPI.WritePoint(ctx, point); err != nil && s.log != nil {
		s.log.Warn("telemetry write failed", zap.Error(err))
	}
}

// Close releases the underlying client. Safe to call on a nil Sink.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.client.Close()
}

func formatHex(v uint64) string   { return "0x" + itohex(v) }
func formatHex16(v uint16) string { return "0x" + itohex(uint64(v)) }

func itohex(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}
