// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultNamespace = "vai_speech"

// Collector records session, turn and HTTP metrics. It satisfies
// session.Metrics and is safe for concurrent use.
type Collector struct {
	sessionsActive     prometheus.Gauge
	sessionsTotal      prometheus.Counter
	turnsTotal         *prometheus.CounterVec
	interruptionsTotal *prometheus.CounterVec
	framesDropped      *prometheus.CounterVec
	engineFailures     *prometheus.CounterVec
	protocolViolations prometheus.Counter
	playbackChunks     prometheus.Counter
	playbackBytes      prometheus.Counter
	firstAudioLatency  prometheus.Histogram
	admissionRejected  *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector registers the instruments on reg under namespace. A nil reg
// uses the default Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live speech sessions currently connected",
		}),
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Live speech sessions accepted",
		}),
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by outcome",
		}, []string{"outcome"}),
		interruptionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Interrupted turns by cause",
		}, []string{"cause"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Inbound audio frames dropped by reason",
		}, []string{"reason"}),
		engineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Speech engine failures by component",
		}, []string{"component"}),
		protocolViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Client protocol violations",
		}),
		playbackChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_total",
			Help:      "Synthesized audio chunks written to clients",
		}),
		playbackBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_bytes_total",
			Help:      "Synthesized audio bytes written to clients",
		}),
		firstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_seconds",
			Help:      "Time from end of user speech to the first synthesized chunk",
			Buckets:   []float64{.1, .2, .3, .5, .75, 1, 1.5, 2, 3, 5},
		}),
		admissionRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Live session upgrades refused by reason",
		}, []string{"reason"}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (c *Collector) SessionStarted() {
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
}

func (c *Collector) SessionEnded() { c.sessionsActive.Dec() }

func (c *Collector) TurnFinished(outcome string) { c.turnsTotal.WithLabelValues(outcome).Inc() }

func (c *Collector) Interruption(cause string) { c.interruptionsTotal.WithLabelValues(cause).Inc() }

func (c *Collector) FrameDropped(reason string) { c.framesDropped.WithLabelValues(reason).Inc() }

func (c *Collector) EngineFailure(component string) {
	c.engineFailures.WithLabelValues(component).Inc()
}

func (c *Collector) ProtocolViolation() { c.protocolViolations.Inc() }

func (c *Collector) ChunkSent(bytes int) {
	c.playbackChunks.Inc()
	c.playbackBytes.Add(float64(bytes))
}

func (c *Collector) FirstAudio(d time.Duration) { c.firstAudioLatency.Observe(d.Seconds()) }

func (c *Collector) AdmissionRejected(reason string) {
	c.admissionRejected.WithLabelValues(reason).Inc()
}

// ObserveRequest records one HTTP request. route should be a fixed pattern,
// never a raw path.
func (c *Collector) ObserveRequest(route string, status int, d time.Duration) {
	c.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}
