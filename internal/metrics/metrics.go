// Package metrics exposes the engine's error and throughput counters.
// Every error kind from the recovery policy surfaces here; nothing in the
// core escalates to a process exit except invalid configuration at boot.
package metrics

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowsDecoded counts successfully decoded flow records by wire version.
	FlowsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clarion_flows_decoded_total",
		Help: "Flow records decoded, by NetFlow/IPFIX version.",
	}, []string{"version"})

	// DecoderErrors counts decode failures by kind: short_packet, bad_version,
	// unknown_template, malformed_record, time_skew.
	DecoderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clarion_decoder_errors_total",
		Help: "Flow decoder errors by kind.",
	}, []string{"kind"})

	// TemplateBufferDrops counts data records dropped because the
	// per-exporter template-waiting buffer overflowed or expired.
	TemplateBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clarion_template_buffer_drops_total",
		Help: "Buffered data records dropped before their template arrived.",
	})

	// QueueDrops counts undecoded packets dropped by shard backpressure.
	QueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clarion_ingest_queue_drops_total",
		Help: "Inbound packets dropped by bounded per-shard queues.",
	})

	// InvalidShape counts rejected sketch merges with mismatched shapes.
	InvalidShape = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clarion_invalid_shape_total",
		Help: "Partial-sketch merges rejected for estimator shape mismatch.",
	})

	// DuplicateEnvelopes counts edge-agent envelopes dropped by the
	// per-(agent, endpoint) sequence gate.
	DuplicateEnvelopes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clarion_duplicate_envelopes_total",
		Help: "Edge-agent envelopes dropped as duplicate or stale.",
	})

	// PendingIdentityDrops counts pending attributions evicted because the
	// lazy-resolution FIFO was full.
	PendingIdentityDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clarion_pending_identity_drops_total",
		Help: "Pending identity attributions dropped at capacity.",
	})

	// PendingIdentityDepth is the current depth of the pending FIFO.
	PendingIdentityDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clarion_pending_identity_depth",
		Help: "Flows awaiting late identity resolution.",
	})

	// ClusteringFailures counts aborted batch runs.
	ClusteringFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clarion_clustering_failures_total",
		Help: "Batch clustering runs aborted without mutating state.",
	})

	// StabilityEvents counts clusters flagged unstable by the churn guard.
	StabilityEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clarion_stability_events_total",
		Help: "Clusters whose churn exceeded the stability threshold.",
	})

	// SchedulerSkips counts task firings skipped because the previous run
	// of the same kind was still executing.
	SchedulerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clarion_scheduler_skips_total",
		Help: "Scheduled runs skipped due to an overlapping prior run.",
	}, []string{"task"})

	// ExternalRetries counts retried calls to identity, catalog, and
	// secret-store backends.
	ExternalRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clarion_external_retries_total",
		Help: "Retries against external systems, by backend.",
	}, []string{"backend"})

	// PersistenceFailures counts database transactions lost after retry.
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clarion_persistence_failures_total",
		Help: "Database operations that failed after one retry.",
	})

	// SketchesExpired counts sketches removed by retention expiry.
	SketchesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clarion_sketches_expired_total",
		Help: "Endpoint sketches expired by retention.",
	})
)

// rate-limited logging: at most one line per (kind, source) per second so a
// storm of identical failures cannot flood the log.
var (
	logMu   sync.Mutex
	logLast = map[string]time.Time{}
)

// LogLimited logs via log.Printf at most once per second per (kind, source).
func LogLimited(kind, source, format string, args ...any) {
	key := kind + "|" + source
	now := time.Now()

	logMu.Lock()
	last, ok := logLast[key]
	if ok && now.Sub(last) < time.Second {
		logMu.Unlock()
		return
	}
	logLast[key] = now
	// bound the map; a deployment has a finite set of (kind, source) pairs
	// but a spoofed exporter address could grow it
	if len(logLast) > 4096 {
		logLast = map[string]time.Time{key: now}
	}
	logMu.Unlock()

	log.Printf(format, args...)
}
