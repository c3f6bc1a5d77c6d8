package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRecordSpawnAndReadBack(t *testing.T) {
	t.Parallel()

	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	if err := l.RecordSpawn(context.Background(), SpawnRecord{
		InstanceID: "spica-1",
		Success:    true,
	}); err != nil {
		t.Fatalf("RecordSpawn 1: %v", err)
	}
	if err := l.RecordSpawn(context.Background(), SpawnRecord{
		InstanceID: "spica-2",
		Success:    false,
		Reason:     "disk space low",
	}); err != nil {
		t.Fatalf("RecordSpawn 2: %v", err)
	}

	recs, err := l.RecentSpawns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentSpawns: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d rows, want 2", len(recs))
	}
	// Newest first.
	if recs[0].InstanceID != "spica-2" || recs[0].Success {
		t.Fatalf("unexpected newest row: %#v", recs[0])
	}
	if recs[0].Reason != "disk space low" {
		t.Fatalf("reason = %q", recs[0].Reason)
	}
	if recs[0].At.IsZero() {
		t.Fatal("recorded_at not parsed")
	}
}

func TestRecordPruneIncludesDryRun(t *testing.T) {
	t.Parallel()

	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	if err := l.RecordPrune(context.Background(), PruneRecord{
		Pruned: 3, Kept: 5, SpaceReclaimed: 1024, DryRun: true,
	}); err != nil {
		t.Fatalf("RecordPrune: %v", err)
	}

	var count, dry int
	if err := l.db.QueryRow("SELECT COUNT(*), SUM(dry_run) FROM prune_log;").Scan(&count, &dry); err != nil {
		t.Fatalf("count prune_log: %v", err)
	}
	if count != 1 || dry != 1 {
		t.Fatalf("count = %d dry = %d, want 1/1", count, dry)
	}
}
