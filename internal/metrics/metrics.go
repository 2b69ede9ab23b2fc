// Package metrics holds the Prometheus collectors of the transmux pipelines
// and the segment server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "remux"

// Metrics is one set of collectors bound to its own registry.
type Metrics struct {
	registry *prometheus.Registry

	ActiveStreams prometheus.Gauge
	IngestBytes   *prometheus.CounterVec

	Segments        *prometheus.CounterVec
	SegmentBytes    *prometheus.HistogramVec
	DroppedSegments *prometheus.CounterVec
	CaptionCues     *prometheus.CounterVec
	ID3Frames       *prometheus.CounterVec
	KeyframeStalls  *prometheus.CounterVec
	Diagnostics     *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of live transmux sessions",
		}),
		IngestBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_bytes_total",
			Help:      "Container bytes pushed into the transmuxer",
		}, []string{"stream_key"}),

		Segments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "fMP4 segments emitted",
		}, []string{"stream_key", "type"}),
		SegmentBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_size_bytes",
			Help:      "Size of emitted fMP4 media segments",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 2, 10),
		}, []string{"type"}),
		DroppedSegments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_segments_total",
			Help:      "Flushes that produced no media",
		}, []string{"stream_key"}),
		CaptionCues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "caption_cues_total",
			Help:      "Decoded caption cues",
		}, []string{"stream_key", "stream"}),
		ID3Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "id3_frames_total",
			Help:      "Timed-metadata tags placed on the timeline",
		}, []string{"stream_key"}),
		KeyframeStalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyframe_pull_stalls_total",
			Help:      "Video flushes held back while waiting for a keyframe",
		}, []string{"stream_key"}),
		Diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Non-fatal parser diagnostics by level",
		}, []string{"stream_key", "level"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Segment server requests",
		}, []string{"proto", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Segment server request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ForgetStream drops the per-stream series of key once its session ends.
func (m *Metrics) ForgetStream(key string) {
	l := prometheus.Labels{"stream_key": key}
	for _, v := range []*prometheus.CounterVec{
		m.IngestBytes, m.Segments, m.DroppedSegments, m.CaptionCues,
		m.ID3Frames, m.KeyframeStalls, m.Diagnostics,
	} {
		v.DeletePartialMatch(l)
	}
}
