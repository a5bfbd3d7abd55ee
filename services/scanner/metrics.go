package scanner

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sifter"

// RegisterMetrics exposes the tracker counters on reg. The values are read
// from the tracker at scrape time and never lose updates.
func RegisterMetrics(reg prometheus.Registerer, t *Tracker) error {
	counters := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"entries_seen_total", "Filesystem entries visited.", func() float64 { return float64(t.seen.Load()) }},
		{"directories_total", "Directories traversed.", func() float64 { return float64(t.directories.Load()) }},
		{"files_queued_total", "Candidates handed to the worker pool.", func() float64 { return float64(t.queued.Load()) }},
		{"bytes_queued_total", "Bytes of candidates handed to the worker pool.", func() float64 { return float64(t.queuedBytes.Load()) }},
		{"files_hashed_total", "Files hashed and written.", func() float64 { return float64(t.hashed.Load()) }},
		{"bytes_hashed_total", "Bytes hashed and written.", func() float64 { return float64(t.bytes.Load()) }},
		{"files_known_total", "Files skipped because a prior inventory holds them.", func() float64 { return float64(t.known.Load()) }},
		{"files_filtered_total", "Entries rejected by the candidate filter.", func() float64 { return float64(t.filtered.Load()) }},
		{"errors_total", "Soft per-entry failures.", func() float64 { return float64(t.errored.Load()) }},
		{"events_dropped_total", "Tracker events dropped because sinks fell behind.", func() float64 { return float64(t.dropped.Load()) }},
	}

	for _, c := range counters {
		collector := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scan",
			Name:      c.name,
			Help:      c.help,
		}, c.fn)
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// MetricsSink records per-file latency and size distributions.
type MetricsSink struct {
	hashSeconds prometheus.Histogram
	fileBytes   prometheus.Histogram
	errors      *prometheus.CounterVec
	filtered    *prometheus.CounterVec
}

// NewMetricsSink registers the sink's collectors on reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	s := &MetricsSink{
		hashSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "scan",
			Name:      "hash_duration_seconds",
			Help:      "Time to open, read and hash one file.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		fileBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "scan",
			Name:      "file_size_bytes",
			Help:      "Size of hashed files.",
			Buckets:   prometheus.ExponentialBuckets(1024, 8, 10),
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scan",
			Name:      "errors_by_stage_total",
			Help:      "Soft failures by pipeline stage.",
		}, []string{"stage"}),
		filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scan",
			Name:      "filtered_by_reason_total",
			Help:      "Filter rejections by reason.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{s.hashSeconds, s.fileBytes, s.errors, s.filtered} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MetricsSink) Observe(e Event) {
	switch e.Kind {
	case EventHashed:
		s.hashSeconds.Observe(e.Duration.Seconds())
		s.fileBytes.Observe(float64(e.Size))
	case EventError:
		s.errors.WithLabelValues(e.Stage).Inc()
	case EventFiltered:
		reason, _, _ := strings.Cut(e.Reason, ":")
		s.filtered.WithLabelValues(reason).Inc()
	}
}
