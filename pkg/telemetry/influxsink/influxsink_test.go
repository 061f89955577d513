package influxsink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/require"

	"github.com/and161185/iotcloud-client/pkg/telemetry"
)

type fakeWriter struct{ points []*write.Point }

var _ PointWriter = (*fakeWriter)(nil)

func (f *fakeWriter) WritePoint(p *write.Point) { f.points = append(f.points, p) }

func TestSink_Record_BuildsPoint(t *testing.T) {
	fw := &fakeWriter{}
	s := New(fw, "")

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Record(telemetry.Event{
		SpanInfo: telemetry.SpanInfo{
			RequestID: "rid", Operation: "patch", Collection: "devices",
			Method: "PATCH", Path: "/api/registry/v1alpha1/apps/a/devices/d", Attempt: 1,
		},
		Start:    start,
		Duration: 1500 * time.Microsecond,
		Status:   503,
		Outcome:  telemetry.OutcomeServerError,
		Err:      errors.New("unavailable"),
	})

	require.Len(t, fw.points, 1)
	p := fw.points[0]
	require.Equal(t, "registry_calls", p.Name())
	require.Equal(t, start, p.Time())

	tags := map[string]string{}
	for _, tg := range p.TagList() {
		tags[tg.Key] = tg.Value
	}
	require.Equal(t, "patch", tags["operation"])
	require.Equal(t, "503", tags["code"])
	require.Equal(t, "server_error", tags["outcome"])

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	require.Equal(t, 1.5, fields["duration_ms"])
	require.Equal(t, "unavailable", fields["error"])
	require.Equal(t, "rid", fields["request_id"])
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, nil)
	require.ErrorIs(t, err, ErrDisabled)
}
