package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the ingest server.
type Metrics struct {
	registry *prometheus.Registry

	activeStreams       prometheus.Gauge
	viewerCount         *prometheus.GaugeVec
	signalClients       prometheus.Gauge
	framesTotal         *prometheus.CounterVec
	epochsTotal         *prometheus.CounterVec
	droppedAudioTotal   *prometheus.CounterVec
	encoderFailures     *prometheus.CounterVec
	streamsStartedTotal prometheus.Counter
	streamsEndedTotal   prometheus.Counter
}

// New creates and registers the server's Prometheus collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beamcast_active_streams",
			Help: "Number of publisher streams currently live",
		}),
		viewerCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beamcast_viewers",
			Help: "Connected viewers per stream",
		}, []string{"stream"}),
		signalClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beamcast_signal_clients",
			Help: "Connected signaling participants",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beamcast_frames_total",
			Help: "Video frames accepted by the segment writer",
		}, []string{"stream"}),
		epochsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beamcast_epochs_total",
			Help: "Encoding epochs opened (one per constant-geometry run)",
		}, []string{"stream"}),
		droppedAudioTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beamcast_dropped_audio_chunks_total",
			Help: "Audio chunks dropped at epoch boundaries",
		}, []string{"stream"}),
		encoderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beamcast_encoder_failures_total",
			Help: "Encoder subprocesses that exited with an error",
		}, []string{"stream", "rendition"}),
		streamsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beamcast_streams_started_total",
			Help: "Streams that produced at least one epoch",
		}),
		streamsEndedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beamcast_streams_ended_total",
			Help: "Streams that have ended",
		}),
	}

	registry.MustRegister(
		m.activeStreams,
		m.viewerCount,
		m.signalClients,
		m.framesTotal,
		m.epochsTotal,
		m.droppedAudioTotal,
		m.encoderFailures,
		m.streamsStartedTotal,
		m.streamsEndedTotal,
	)

	return m
}

// StreamStarted records a stream going live.
func (m *Metrics) StreamStarted() {
	m.streamsStartedTotal.Inc()
	m.activeStreams.Inc()
}

// StreamEnded records a stream ending.
func (m *Metrics) StreamEnded() {
	m.streamsEndedTotal.Inc()
	m.activeStreams.Dec()
}

// SetViewers sets the viewer gauge for a stream.
func (m *Metrics) SetViewers(streamID string, n int) {
	m.viewerCount.WithLabelValues(streamID).Set(float64(n))
}

// AddSignalClients adjusts the signaling participant gauge.
func (m *Metrics) AddSignalClients(delta int) {
	m.signalClients.Add(float64(delta))
}

// IncFrames counts one accepted video frame.
func (m *Metrics) IncFrames(streamID string) {
	m.framesTotal.WithLabelValues(streamID).Inc()
}

// IncEpochs counts one opened epoch.
func (m *Metrics) IncEpochs(streamID string) {
	m.epochsTotal.WithLabelValues(streamID).Inc()
}

// IncDroppedAudio counts one audio chunk dropped between epochs.
func (m *Metrics) IncDroppedAudio(streamID string) {
	m.droppedAudioTotal.WithLabelValues(streamID).Inc()
}

// IncEncoderFailures counts one failed encoder subprocess.
func (m *Metrics) IncEncoderFailures(streamID, rendition string) {
	m.encoderFailures.WithLabelValues(streamID, rendition).Inc()
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
