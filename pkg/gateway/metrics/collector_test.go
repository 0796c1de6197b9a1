package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg), reg
}

func TestCollector_SessionGauge(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SessionStarted()
	c.SessionStarted()
	c.SessionEnded()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsTotal))
}

func TestCollector_LabelledCounters(t *testing.T) {
	c, _ := newTestCollector(t)
	c.TurnFinished("completed")
	c.TurnFinished("completed")
	c.TurnFinished("interrupted")
	c.Interruption("speech")
	c.FrameDropped("malformed")
	c.EngineFailure("tts")
	c.ProtocolViolation()
	c.AdmissionRejected("rate_limited")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("interrupted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.interruptionsTotal.WithLabelValues("speech")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesDropped.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.engineFailures.WithLabelValues("tts")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.protocolViolations))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.admissionRejected.WithLabelValues("rate_limited")))
}

func TestCollector_PlaybackAndLatency(t *testing.T) {
	c, reg := newTestCollector(t)
	c.ChunkSent(1920)
	c.ChunkSent(960)
	c.FirstAudio(350 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.playbackChunks))
	assert.Equal(t, 2880.0, testutil.ToFloat64(c.playbackBytes))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "test_first_audio_latency_seconds" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	assert.True(t, found, "latency histogram not registered")
}

func TestCollector_ObserveRequest(t *testing.T) {
	c, _ := newTestCollector(t)
	c.ObserveRequest("/healthz", 200, 5*time.Millisecond)
	c.ObserveRequest("/healthz", 200, 5*time.Millisecond)
	c.ObserveRequest("/v1/speech/live", 429, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("/healthz", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("/v1/speech/live", "429")))
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector("", prometheus.NewRegistry())
		NewCollector("", prometheus.NewRegistry())
	})
}
