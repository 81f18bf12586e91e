package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ledger / op log metrics
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_ledger_ops_total",
			Help: "Total number of ops appended to a repo's op log, by repo and op kind",
		},
		[]string{"repo", "kind"},
	)

	DocsTrackedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notevault_docs_tracked_total",
			Help: "Number of doc-ids currently tracked in a repo's path index",
		},
		[]string{"repo"},
	)

	// Watcher metrics
	WatcherEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_watcher_events_total",
			Help: "Total number of debounced filesystem events handled, by outcome",
		},
		[]string{"outcome"},
	)

	WatcherHandleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notevault_watcher_handle_duration_seconds",
			Help:    "Time taken to run the FS Event Handler state machine on one settled path",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sync engine metrics
	SyncBytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_sync_bytes_sent_total",
			Help: "Total ciphertext bytes sent to a peer during sync, by peer",
		},
		[]string{"peer"},
	)

	SyncBytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_sync_bytes_received_total",
			Help: "Total ciphertext bytes received from a peer during sync, by peer",
		},
		[]string{"peer"},
	)

	SyncHandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notevault_sync_handshake_duration_seconds",
			Help:    "Time taken to verify a handshake and diff version vectors",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_sync_conflicts_total",
			Help: "Total number of MergePeer calls that produced a conflict, by repo",
		},
		[]string{"repo"},
	)

	PendingOpsDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notevault_pending_ops_depth",
			Help: "Current number of ops held in a repo's Manual-mode pending buffer",
		},
		[]string{"repo"},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notevault_sessions_active",
			Help: "Number of currently connected sessions",
		},
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_frames_total",
			Help: "Total number of wire frames dispatched, by message type and direction",
		},
		[]string{"type", "direction"},
	)

	EditRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notevault_edit_rejected_total",
			Help: "Total number of Edit/write requests rejected by the readonly shadow-branch policy",
		},
	)
)

func init() {
	prometheus.MustRegister(LedgerOpsTotal)
	prometheus.MustRegister(DocsTrackedTotal)
	prometheus.MustRegister(WatcherEventsTotal)
	prometheus.MustRegister(WatcherHandleDuration)
	prometheus.MustRegister(SyncBytesSent)
	prometheus.MustRegister(SyncBytesReceived)
	prometheus.MustRegister(SyncHandshakeDuration)
	prometheus.MustRegister(SyncConflictsTotal)
	prometheus.MustRegister(PendingOpsDepth)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(EditRejectedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
