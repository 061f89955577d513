// Package influxsink writes registry call telemetry to InfluxDB v2 as points.
package influxsink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/and161185/iotcloud-client/pkg/telemetry"
)

const (
	defaultMeasurement   = "registry_calls"
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
	defaultPingTimeout   = 5 * time.Second
)

var (
	// ErrConnectionFailed indicates the initial ping to InfluxDB failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled indicates the sink is disabled in configuration.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)

// Config holds InfluxDB connection settings.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	Measurement   string
	BatchSize     int
	FlushInterval time.Duration
}

// PointWriter is the subset of api.WriteAPI used by the sink.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// Sink converts each attempt into a point. Writes are non-blocking and batched by the client.
type Sink struct {
	w           PointWriter
	measurement string
	client      influxdb2.Client
	flush       func()
}

var _ telemetry.Sink = (*Sink)(nil)

// New wraps an existing writer.
func New(w PointWriter, measurement string) *Sink {
	if measurement == "" {
		measurement = defaultMeasurement
	}
	return &Sink{w: w, measurement: measurement}
}

// Connect creates an InfluxDB client, verifies connectivity and returns a sink over its
// non-blocking write API. Asynchronous write errors are logged.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if log == nil {
		log = zap.NewNop()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush.Milliseconds())),
	)

	pctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	healthy, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn("influx write", zap.Error(err))
		}
	}()

	s := New(writeAPI, cfg.Measurement)
	s.client = client
	s.flush = writeAPI.Flush
	return s, nil
}

// Record implements telemetry.Sink.
func (s *Sink) Record(ev telemetry.Event) {
	s.w.WritePoint(s.point(ev))
}

func (s *Sink) point(ev telemetry.Event) *write.Point {
	tags := map[string]string{
		"operation":  ev.Operation,
		"collection": ev.Collection,
		"method":     ev.Method,
		"outcome":    string(ev.Outcome),
	}
	if ev.Status > 0 {
		tags["code"] = strconv.Itoa(ev.Status)
	}
	fields := map[string]interface{}{
		"duration_ms": float64(ev.Duration) / float64(time.Millisecond),
		"attempt":     ev.Attempt,
		"request_id":  ev.RequestID,
		"path":        ev.Path,
	}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}
	ts := ev.Start
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(s.measurement, tags, fields, ts)
}

// Close flushes pending points and closes the client created by Connect.
func (s *Sink) Close() error {
	if s.flush != nil {
		s.flush()
	}
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
