package main

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fm2k.dev/rollback/internal/sim/rollback"
	"fm2k.dev/rollback/internal/sim/snapshotcodec"
)

func TestWriteMetrics_SnapshotStats(t *testing.T) {
	rec := httptest.NewRecorder()
	writeMetrics(rec, "s1", metricsSnapshot{Controller: rollback.Stats{
		FramesAdvanced: 4,
		Codec: snapshotcodec.Stats{
			Encodes:      4,
			Decodes:      1,
			EncodeTime:   8 * time.Millisecond,
			DecodeTime:   3 * time.Millisecond,
			EncodedBytes: 400,
			PeakBytes:    160,
			Excluded:     2,
		},
	}})
	body := rec.Body.String()
	for _, want := range []string{
		`rollback_snapshot_ops_total{session="s1",op="save"} 4`,
		`rollback_snapshot_ops_total{session="s1",op="load"} 1`,
		`rollback_snapshot_avg_seconds{session="s1",op="save"} 0.002`,
		`rollback_snapshot_avg_seconds{session="s1",op="load"} 0.003`,
		`rollback_snapshot_bytes{session="s1",stat="avg"} 100`,
		`rollback_snapshot_bytes{session="s1",stat="peak"} 160`,
		`rollback_snapshot_excluded_total{session="s1"} 2`,
		`rollback_events_total{session="s1",event="advanced"} 4`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "rollback_index_queue_depth") {
		t.Fatalf("index metrics written without an index")
	}
}
