package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TrackerCollector exposes ingest and commit metrics for the tracker core.
// All methods are nil-safe so callers can hold a nil collector.
type TrackerCollector struct {
	gatherer prometheus.Gatherer

	MessagesTotal  *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec
	OrphanUpdates  *prometheus.CounterVec
	Platforms      prometheus.Gauge
	HistorySamples prometheus.Gauge
	TickDuration   prometheus.Histogram
	SinkCommits    *prometheus.CounterVec
}

// NewTrackerCollector registers tracker metrics against the provided registerer.
func NewTrackerCollector(reg prometheus.Registerer) (*TrackerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	messages, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_messages_total",
		Help: "Decoded telemetry messages, labeled by wire format and site.",
	}, []string{"format", "site"}), "tracker_messages_total")
	if err != nil {
		return nil, err
	}

	decodeErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_decode_errors_total",
		Help: "Dropped telemetry messages, labeled by wire format and reason.",
	}, []string{"format", "reason"}), "tracker_decode_errors_total")
	if err != nil {
		return nil, err
	}

	orphans, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_orphan_updates_total",
		Help: "Record data messages dropped because no header was seen for the track.",
	}, []string{"site"}), "tracker_orphan_updates_total")
	if err != nil {
		return nil, err
	}

	platforms, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_platforms",
		Help: "Platforms currently known to the registry.",
	}), "tracker_platforms")
	if err != nil {
		return nil, err
	}

	samples, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_history_samples",
		Help: "Motion samples retained across all history logs.",
	}), "tracker_history_samples")
	if err != nil {
		return nil, err
	}

	tick, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_tick_duration_seconds",
		Help:    "Duration of non-empty registry ticks.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}), "tracker_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	commits, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_sink_commits_total",
		Help: "Render sink transactions, labeled by operation and result.",
	}, []string{"op", "result"}), "tracker_sink_commits_total")
	if err != nil {
		return nil, err
	}

	return &TrackerCollector{
		gatherer:       gatherer,
		MessagesTotal:  messages,
		DecodeErrors:   decodeErrors,
		OrphanUpdates:  orphans,
		Platforms:      platforms,
		HistorySamples: samples,
		TickDuration:   tick,
		SinkCommits:    commits,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *TrackerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *TrackerCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

// MessageDecoded counts a successfully decoded message.
func (c *TrackerCollector) MessageDecoded(format string, site int) {
	if c == nil || c.MessagesTotal == nil {
		return
	}
	c.MessagesTotal.WithLabelValues(format, strconv.Itoa(site)).Inc()
}

// DecodeError counts a dropped message.
func (c *TrackerCollector) DecodeError(format, reason string) {
	if c == nil || c.DecodeErrors == nil {
		return
	}
	c.DecodeErrors.WithLabelValues(format, reason).Inc()
}

// OrphanUpdate counts a data record that arrived before its header.
func (c *TrackerCollector) OrphanUpdate(site int) {
	if c == nil || c.OrphanUpdates == nil {
		return
	}
	c.OrphanUpdates.WithLabelValues(strconv.Itoa(site)).Inc()
}

// SetRegistrySize updates the platform and history gauges.
func (c *TrackerCollector) SetRegistrySize(platforms, samples int) {
	if c == nil {
		return
	}
	if c.Platforms != nil {
		c.Platforms.Set(float64(platforms))
	}
	if c.HistorySamples != nil {
		c.HistorySamples.Set(float64(samples))
	}
}

// ObserveTick records a tick duration.
func (c *TrackerCollector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

// SinkCommit counts a render sink transaction outcome.
func (c *TrackerCollector) SinkCommit(op string, err error) {
	if c == nil || c.SinkCommits == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.SinkCommits.WithLabelValues(op, result).Inc()
}
