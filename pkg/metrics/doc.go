/*
Package metrics provides Prometheus metrics collection and exposition for
notevault.

It defines and registers gauges, counters, and histograms covering the
op log, the filesystem watcher, the sync engine, and active sessions,
and exposes them via an HTTP handler for scraping.

# Metrics Catalog

notevault_ledger_ops_total{repo, kind}: Counter
  Total ops appended to a repo's op log.

notevault_docs_tracked_total{repo}: Gauge
  Number of doc-ids currently tracked in a repo's path index.

notevault_watcher_events_total{outcome}: Counter
  Debounced filesystem events handled, by outcome (handled, error).

notevault_watcher_handle_duration_seconds: Histogram
  Time to run the FS Event Handler state machine on one settled path.

notevault_sync_bytes_sent_total{peer}: Counter
notevault_sync_bytes_received_total{peer}: Counter
  Ciphertext bytes exchanged with a peer during sync.

notevault_sync_handshake_duration_seconds: Histogram
  Time to verify a handshake and diff version vectors.

notevault_sync_conflicts_total{repo}: Counter
  MergePeer calls that produced a conflict.

notevault_pending_ops_depth{repo}: Gauge
  Current size of a repo's Manual-mode pending buffer.

notevault_sessions_active: Gauge
  Number of connected sessions.

notevault_frames_total{type, direction}: Counter
  Wire frames dispatched, by message type and direction (in/out).

notevault_edit_rejected_total: Counter
  Edit requests rejected by the readonly shadow-branch policy.

# Usage

	timer := metrics.NewTimer()
	handler.Handle(relPath)
	timer.ObserveDuration(metrics.WatcherHandleDuration)

	metrics.LedgerOpsTotal.WithLabelValues(repoName, op.Kind.String()).Inc()

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
