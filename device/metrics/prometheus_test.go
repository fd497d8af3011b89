package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/kabili207/sensorlink/device/link"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name      string
	connected bool
	counters  link.CountersSnapshot
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Connected() bool { return f.connected }

func (f *fakeSource) Counters() link.CountersSnapshot { return f.counters }

func TestMetrics_AddLink(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	src := &fakeSource{
		name:      "ttyUSB0",
		connected: true,
		counters: link.CountersSnapshot{
			FramesAccepted:    120,
			ChecksumErrors:    3,
			RetrievalRequests: 4,
		},
	}
	require.NoError(t, m.AddLink(src))

	expected := `
# HELP sensorlink_checksum_errors_total Frames failing the CRC residue check
# TYPE sensorlink_checksum_errors_total counter
sensorlink_checksum_errors_total{link="ttyUSB0"} 3
# HELP sensorlink_connected Whether the link's port is open
# TYPE sensorlink_connected gauge
sensorlink_connected{link="ttyUSB0"} 1
# HELP sensorlink_frames_accepted_total Telemetry frames accepted
# TYPE sensorlink_frames_accepted_total counter
sensorlink_frames_accepted_total{link="ttyUSB0"} 120
# HELP sensorlink_retrieval_requests_total Retrieval requests sent
# TYPE sensorlink_retrieval_requests_total counter
sensorlink_retrieval_requests_total{link="ttyUSB0"} 4
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"sensorlink_checksum_errors_total",
		"sensorlink_connected",
		"sensorlink_frames_accepted_total",
		"sensorlink_retrieval_requests_total",
	)
	assert.NoError(t, err)

	// Values are read at scrape time.
	src.connected = false
	src.counters.FramesAccepted = 121
	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP sensorlink_connected Whether the link's port is open
# TYPE sensorlink_connected gauge
sensorlink_connected{link="ttyUSB0"} 0
# HELP sensorlink_frames_accepted_total Telemetry frames accepted
# TYPE sensorlink_frames_accepted_total counter
sensorlink_frames_accepted_total{link="ttyUSB0"} 121
`), "sensorlink_connected", "sensorlink_frames_accepted_total")
	assert.NoError(t, err)
}

func TestMetrics_AddLink_Duplicate(t *testing.T) {
	m := New(prometheus.NewRegistry())
	src := &fakeSource{name: "a"}

	require.NoError(t, m.AddLink(src))
	assert.Error(t, m.AddLink(src))
}

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordStale("a")
	m.RecordStale("a")
	m.RecordRetrievalExpired("a")
	m.RecordRecovery("a", 40*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StaleEvents.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrievalExpired.WithLabelValues("a")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RecoveryLatency))
}
