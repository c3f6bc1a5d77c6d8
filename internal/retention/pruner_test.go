package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/spica/internal/audit"
	"github.com/mattjoyce/spica/internal/spawn"
	"github.com/mattjoyce/spica/internal/storage"
)

func writeInstance(t *testing.T, dir string, spawnedAt time.Time) {
	t.Helper()
	id := filepath.Base(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := storage.WriteJSONAtomic(filepath.Join(dir, spawn.LineageFile), spawn.Lineage{
		SpicaID: id, Generation: 1, SpawnedAt: spawnedAt,
	}, 0o644); err != nil {
		t.Fatalf("write lineage: %v", err)
	}
	if err := storage.WriteJSONAtomic(filepath.Join(dir, spawn.ManifestFile), spawn.Manifest{
		SpicaID: id, SpawnedAt: spawnedAt, LineageSHA: "unused",
	}, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	// Give the instance some payload so reclaimed space is measurable.
	if err := os.WriteFile(filepath.Join(dir, "payload.bin"), make([]byte, 1024), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func lockInstance(t *testing.T, dir string, lockedAt time.Time) {
	t.Helper()
	if err := storage.WriteJSONAtomic(filepath.Join(dir, spawn.TournamentLockFile), spawn.TournamentLock{
		SpicaID: filepath.Base(dir), Purpose: "evaluation", LockedAt: lockedAt,
	}, 0o644); err != nil {
		t.Fatalf("write tournament lock: %v", err)
	}
}

func TestPruneRemovesIncompleteInstances(t *testing.T) {
	t.Parallel()

	pool := t.TempDir()
	writeInstance(t, filepath.Join(pool, "spica-good"), time.Now())

	// Missing lineage.json.
	broken := filepath.Join(pool, "spica-broken")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := storage.WriteJSONAtomic(filepath.Join(broken, spawn.ManifestFile), spawn.Manifest{SpicaID: "spica-broken"}, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	// Empty directory: missing both records.
	if err := os.MkdirAll(filepath.Join(pool, "spica-empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	p := New(Config{InstancesDir: pool}, nil)
	res, err := p.Prune(context.Background(), 10, 30, false)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.IncompleteCleaned != 2 {
		t.Fatalf("incomplete_cleaned = %d, want 2", res.IncompleteCleaned)
	}
	if res.Kept != 1 {
		t.Fatalf("kept = %d, want 1", res.Kept)
	}
	if _, err := os.Stat(broken); !os.IsNotExist(err) {
		t.Fatal("incomplete instance not removed")
	}
	if _, err := os.Stat(filepath.Join(pool, "spica-good")); err != nil {
		t.Fatal("valid instance removed")
	}
}

func TestPruneKeepsNewestWithinLimits(t *testing.T) {
	t.Parallel()

	pool := t.TempDir()
	now := time.Now()
	writeInstance(t, filepath.Join(pool, "spica-new"), now.Add(-1*time.Hour))
	writeInstance(t, filepath.Join(pool, "spica-mid"), now.Add(-2*time.Hour))
	writeInstance(t, filepath.Join(pool, "spica-old"), now.Add(-3*time.Hour))

	p := New(Config{InstancesDir: pool}, nil)
	res, err := p.Prune(context.Background(), 2, 30, false)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.Kept != 2 || res.Pruned != 1 {
		t.Fatalf("kept/pruned = %d/%d, want 2/1", res.Kept, res.Pruned)
	}
	if res.SpaceReclaimed < 1024 {
		t.Fatalf("space_reclaimed = %d, want >= 1024", res.SpaceReclaimed)
	}
	if _, err := os.Stat(filepath.Join(pool, "spica-old")); !os.IsNotExist(err) {
		t.Fatal("oldest instance survived a count-based prune")
	}
}

func TestPruneAgeLimit(t *testing.T) {
	t.Parallel()

	pool := t.TempDir()
	now := time.Now()
	writeInstance(t, filepath.Join(pool, "spica-fresh"), now.Add(-12*time.Hour))
	writeInstance(t, filepath.Join(pool, "spica-ancient"), now.Add(-40*24*time.Hour))

	p := New(Config{InstancesDir: pool}, nil)
	res, err := p.Prune(context.Background(), 10, 30, false)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.Kept != 1 || res.Pruned != 1 {
		t.Fatalf("kept/pruned = %d/%d, want 1/1", res.Kept, res.Pruned)
	}
	if _, err := os.Stat(filepath.Join(pool, "spica-ancient")); !os.IsNotExist(err) {
		t.Fatal("over-age instance survived")
	}
}

func TestFreshTournamentLockProtectsRegardlessOfLimits(t *testing.T) {
	t.Parallel()

	pool := t.TempDir()
	now := time.Now()
	// Ancient AND over the count limit, but locked moments ago.
	locked := filepath.Join(pool, "spica-locked")
	writeInstance(t, locked, now.Add(-90*24*time.Hour))
	lockInstance(t, locked, now.Add(-5*time.Minute))
	writeInstance(t, filepath.Join(pool, "spica-a"), now.Add(-1*time.Hour))
	writeInstance(t, filepath.Join(pool, "spica-b"), now.Add(-2*time.Hour))

	p := New(Config{InstancesDir: pool}, nil)
	res, err := p.Prune(context.Background(), 1, 7, false)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.TournamentProtected != 1 {
		t.Fatalf("tournament_protected = %d, want 1", res.TournamentProtected)
	}
	if _, err := os.Stat(locked); err != nil {
		t.Fatal("locked instance was pruned")
	}
}

func TestStaleTournamentLockIsDiscarded(t *testing.T) {
	t.Parallel()

	pool := t.TempDir()
	now := time.Now()
	stale := filepath.Join(pool, "spica-stale")
	writeInstance(t, stale, now.Add(-90*24*time.Hour))
	lockInstance(t, stale, now.Add(-3*time.Hour))

	p := New(Config{InstancesDir: pool, LockStaleAfter: 2 * time.Hour}, nil)
	res, err := p.Prune(context.Background(), 10, 30, false)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.TournamentProtected != 0 {
		t.Fatalf("stale lock still protected: %#v", res)
	}
	if res.Pruned != 1 {
		t.Fatalf("pruned = %d, want 1 (over-age after lock discard)", res.Pruned)
	}
}

func TestDryRunDeletesNothingButRecordsAudit(t *testing.T) {
	t.Parallel()

	pool := t.TempDir()
	now := time.Now()
	writeInstance(t, filepath.Join(pool, "spica-a"), now.Add(-1*time.Hour))
	writeInstance(t, filepath.Join(pool, "spica-b"), now.Add(-2*time.Hour))

	auditLog, err := audit.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	p := New(Config{InstancesDir: pool}, auditLog)
	res, err := p.Prune(context.Background(), 1, 30, true)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.Pruned != 1 {
		t.Fatalf("dry run pruned count = %d, want 1", res.Pruned)
	}
	// Nothing actually deleted.
	for _, name := range []string{"spica-a", "spica-b"} {
		if _, err := os.Stat(filepath.Join(pool, name)); err != nil {
			t.Fatalf("dry run deleted %s", name)
		}
	}

	// Second, real sweep also writes an audit row: two rows total.
	if _, err := p.Prune(context.Background(), 1, 30, false); err != nil {
		t.Fatalf("Prune real: %v", err)
	}
	if _, err := os.Stat(filepath.Join(pool, "spica-b")); !os.IsNotExist(err) {
		t.Fatal("real sweep did not delete")
	}
}
