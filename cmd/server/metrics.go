package main

import (
	"fmt"
	"net/http"

	"fm2k.dev/rollback/internal/persistence/indexdb"
	"fm2k.dev/rollback/internal/sim/rollback"
	"fm2k.dev/rollback/internal/sim/session"
)

// metricsSnapshot only holds values published by the session loop; the
// HTTP handler never reads the controller directly.
type metricsSnapshot struct {
	Session    session.Stats
	Controller rollback.Stats
	Peers      int
	Index      *indexdb.Stats
}

func writeMetrics(rw http.ResponseWriter, id string, m metricsSnapshot) {
	rb := m.Controller
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(rw, "# HELP rollback_frame Current authoritative frame.\n")
	fmt.Fprintf(rw, "# TYPE rollback_frame gauge\n")
	fmt.Fprintf(rw, "rollback_frame{session=%q} %d\n", id, m.Session.Frame)

	fmt.Fprintf(rw, "# HELP rollback_peers Connected remote peers.\n")
	fmt.Fprintf(rw, "# TYPE rollback_peers gauge\n")
	fmt.Fprintf(rw, "rollback_peers{session=%q} %d\n", id, m.Peers)

	fmt.Fprintf(rw, "# HELP rollback_events_total Controller counters.\n")
	fmt.Fprintf(rw, "# TYPE rollback_events_total counter\n")
	fmt.Fprintf(rw, "rollback_events_total{session=%q,event=%q} %d\n", id, "advanced", rb.FramesAdvanced)
	fmt.Fprintf(rw, "rollback_events_total{session=%q,event=%q} %d\n", id, "resimulated", rb.FramesResimulated)
	fmt.Fprintf(rw, "rollback_events_total{session=%q,event=%q} %d\n", id, "correction", rb.Corrections)
	fmt.Fprintf(rw, "rollback_events_total{session=%q,event=%q} %d\n", id, "identical_late", rb.IdenticalLate)
	fmt.Fprintf(rw, "rollback_events_total{session=%q,event=%q} %d\n", id, "out_of_range", rb.OutOfRange)
	fmt.Fprintf(rw, "rollback_events_total{session=%q,event=%q} %d\n", id, "resync", rb.Resyncs)
	fmt.Fprintf(rw, "rollback_events_total{session=%q,event=%q} %d\n", id, "rejected", m.Session.Rejected)

	fmt.Fprintf(rw, "# HELP rollback_max_correction_depth Deepest correction so far, in frames.\n")
	fmt.Fprintf(rw, "# TYPE rollback_max_correction_depth gauge\n")
	fmt.Fprintf(rw, "rollback_max_correction_depth{session=%q} %d\n", id, rb.MaxCorrectionDepth)

	cs := rb.Codec
	fmt.Fprintf(rw, "# HELP rollback_snapshot_ops_total Snapshot saves and loads.\n")
	fmt.Fprintf(rw, "# TYPE rollback_snapshot_ops_total counter\n")
	fmt.Fprintf(rw, "rollback_snapshot_ops_total{session=%q,op=%q} %d\n", id, "save", cs.Encodes)
	fmt.Fprintf(rw, "rollback_snapshot_ops_total{session=%q,op=%q} %d\n", id, "load", cs.Decodes)

	fmt.Fprintf(rw, "# HELP rollback_snapshot_avg_seconds Mean time per snapshot operation.\n")
	fmt.Fprintf(rw, "# TYPE rollback_snapshot_avg_seconds gauge\n")
	fmt.Fprintf(rw, "rollback_snapshot_avg_seconds{session=%q,op=%q} %g\n", id, "save", cs.AvgEncode().Seconds())
	fmt.Fprintf(rw, "rollback_snapshot_avg_seconds{session=%q,op=%q} %g\n", id, "load", cs.AvgDecode().Seconds())

	fmt.Fprintf(rw, "# HELP rollback_snapshot_bytes Payload size of captured snapshots.\n")
	fmt.Fprintf(rw, "# TYPE rollback_snapshot_bytes gauge\n")
	fmt.Fprintf(rw, "rollback_snapshot_bytes{session=%q,stat=%q} %d\n", id, "avg", cs.AvgBytes())
	fmt.Fprintf(rw, "rollback_snapshot_bytes{session=%q,stat=%q} %d\n", id, "peak", cs.PeakBytes)

	fmt.Fprintf(rw, "# HELP rollback_snapshot_excluded_total Active slots left out by the capture strategy.\n")
	fmt.Fprintf(rw, "# TYPE rollback_snapshot_excluded_total counter\n")
	fmt.Fprintf(rw, "rollback_snapshot_excluded_total{session=%q} %d\n", id, cs.Excluded)

	fmt.Fprintf(rw, "# HELP rollback_archives_total Archives written and failed.\n")
	fmt.Fprintf(rw, "# TYPE rollback_archives_total counter\n")
	fmt.Fprintf(rw, "rollback_archives_total{session=%q,result=%q} %d\n", id, "ok", m.Session.Archived)
	fmt.Fprintf(rw, "rollback_archives_total{session=%q,result=%q} %d\n", id, "error", m.Session.ArchiveErrors)

	if m.Index == nil {
		return
	}
	s := m.Index
	fmt.Fprintf(rw, "# HELP rollback_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(rw, "# TYPE rollback_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "rollback_index_queue_depth{session=%q} %d\n", id, s.QueueDepth)

	fmt.Fprintf(rw, "# HELP rollback_index_dropped_total Index requests dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE rollback_index_dropped_total counter\n")
	fmt.Fprintf(rw, "rollback_index_dropped_total{session=%q,kind=%q} %d\n", id, "frame", s.DropFrameTotal)
	fmt.Fprintf(rw, "rollback_index_dropped_total{session=%q,kind=%q} %d\n", id, "correction", s.DropCorrectionTotal)
	fmt.Fprintf(rw, "rollback_index_dropped_total{session=%q,kind=%q} %d\n", id, "resync", s.DropResyncTotal)
	fmt.Fprintf(rw, "rollback_index_dropped_total{session=%q,kind=%q} %d\n", id, "schema_miss", s.DropMissTotal)
	fmt.Fprintf(rw, "rollback_index_dropped_total{session=%q,kind=%q} %d\n", id, "archive", s.DropArchiveTotal)

	fmt.Fprintf(rw, "# HELP rollback_index_write_errors_total Failed index writes.\n")
	fmt.Fprintf(rw, "# TYPE rollback_index_write_errors_total counter\n")
	fmt.Fprintf(rw, "rollback_index_write_errors_total{session=%q} %d\n", id, s.WriteErrorTotal)
}
