package spawn

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func newTestSpawner(t *testing.T) *Spawner {
	t.Helper()
	root := t.TempDir()
	template := filepath.Join(root, "template")
	writeTemplate(t, template)

	return New(Config{
		TemplateDir:  template,
		InstancesDir: filepath.Join(root, "instances"),
		OriginCommit: "abc1234",
	})
}

func writeTemplate(t *testing.T, dir string) {
	t.Helper()
	mustWrite := func(rel, content string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	mustWrite(TemplateVersionFile, "tmpl-7\n")
	mustWrite("core/agent.yaml", "role: generic\n")
	mustWrite("core/weights.bin", "BINARY")
	mustWrite("cache/scratch.tmp", "junk")
	mustWrite(".templateignore", "cache\n*.log\n")
	mustWrite("debug.log", "old noise")
}

func TestSpawnCreatesCompleteInstance(t *testing.T) {
	t.Parallel()

	s := newTestSpawner(t)
	id, err := s.Spawn(context.Background(), Options{
		Mutations: map[string]any{"temperature": 0.7},
		Budget:    map[string]any{"tokens": 100000},
		Notes:     "first spawn",
		AutoPrune: true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !strings.HasPrefix(id, "spica-") {
		t.Fatalf("id = %q, want spica- prefix", id)
	}

	dir := s.InstanceDir(id)

	// Template content cloned, exclusions honored.
	if _, err := os.Stat(filepath.Join(dir, "core", "agent.yaml")); err != nil {
		t.Fatalf("cloned file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cache")); !os.IsNotExist(err) {
		t.Fatal("ignored directory was cloned")
	}
	if _, err := os.Stat(filepath.Join(dir, "debug.log")); !os.IsNotExist(err) {
		t.Fatal("ignored glob *.log was cloned")
	}
	if _, err := os.Stat(filepath.Join(dir, templateIgnoreFile)); !os.IsNotExist(err) {
		t.Fatal(".templateignore itself was cloned")
	}

	lineage, err := LoadLineage(dir)
	if err != nil {
		t.Fatalf("LoadLineage: %v", err)
	}
	if lineage.SpicaID != id || lineage.OriginCommit != "abc1234" || lineage.Generation != 1 {
		t.Fatalf("unexpected lineage: %#v", lineage)
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if manifest.TemplateVersion != "tmpl-7" {
		t.Fatalf("template version = %q", manifest.TemplateVersion)
	}
	if manifest.Seed == 0 {
		t.Fatal("seed not derived")
	}
	if manifest.Seed != seedFor(id) {
		t.Fatal("seed is not deterministic for the id")
	}

	// AutoPrune spawn gets no tournament lock.
	lock, err := LoadTournamentLock(dir)
	if err != nil {
		t.Fatalf("LoadTournamentLock: %v", err)
	}
	if lock != nil {
		t.Fatal("unexpected tournament lock on auto-prune spawn")
	}
}

func TestSpawnForEvaluationWritesTournamentLock(t *testing.T) {
	t.Parallel()

	s := newTestSpawner(t)
	id, err := s.Spawn(context.Background(), Options{AutoPrune: false})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	lock, err := LoadTournamentLock(s.InstanceDir(id))
	if err != nil {
		t.Fatalf("LoadTournamentLock: %v", err)
	}
	if lock == nil || lock.SpicaID != id || lock.LockedAt.IsZero() {
		t.Fatalf("unexpected lock: %#v", lock)
	}
}

func TestGenerationIncrementsFromParent(t *testing.T) {
	t.Parallel()

	s := newTestSpawner(t)
	parent, err := s.Spawn(context.Background(), Options{AutoPrune: true})
	if err != nil {
		t.Fatalf("Spawn parent: %v", err)
	}
	child, err := s.Spawn(context.Background(), Options{ParentID: parent, AutoPrune: true})
	if err != nil {
		t.Fatalf("Spawn child: %v", err)
	}

	lineage, err := LoadLineage(s.InstanceDir(child))
	if err != nil {
		t.Fatalf("LoadLineage: %v", err)
	}
	if lineage.Generation != 2 || lineage.ParentID != parent {
		t.Fatalf("unexpected child lineage: %#v", lineage)
	}
}

func TestSpawnFailsFastWithoutTemplate(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := New(Config{
		TemplateDir:  filepath.Join(root, "missing"),
		InstancesDir: filepath.Join(root, "instances"),
	})
	if _, err := s.Spawn(context.Background(), Options{}); err == nil {
		t.Fatal("Spawn succeeded without template")
	}

	// No instance directories may exist after the failure.
	entries, _ := os.ReadDir(filepath.Join(root, "instances"))
	if len(entries) != 0 {
		t.Fatalf("orphaned instance dirs: %v", entries)
	}
}

func TestSpawnFailsFastWithoutVersionMarker(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	template := filepath.Join(root, "template")
	if err := os.MkdirAll(template, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	s := New(Config{TemplateDir: template, InstancesDir: filepath.Join(root, "instances")})
	if _, err := s.Spawn(context.Background(), Options{}); err == nil {
		t.Fatal("Spawn succeeded without version marker")
	}
}

func TestSpawnRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	s := newTestSpawner(t)
	s.newID = func() string { return "spica-doomed" }

	// A channel is not JSON-serializable, so the manifest write fails after
	// the template has already been cloned.
	_, err := s.Spawn(context.Background(), Options{
		Mutations: map[string]any{"bad": make(chan int)},
		AutoPrune: true,
	})
	if err == nil {
		t.Fatal("Spawn succeeded, want failure")
	}
	if _, err := os.Stat(s.InstanceDir("spica-doomed")); !os.IsNotExist(err) {
		t.Fatal("failed spawn left instance directory behind")
	}
}

func TestVerifyLineageIntegrity(t *testing.T) {
	t.Parallel()

	s := newTestSpawner(t)
	id, err := s.Spawn(context.Background(), Options{AutoPrune: true})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ok, err := s.VerifyLineageIntegrity(id)
	if err != nil {
		t.Fatalf("VerifyLineageIntegrity: %v", err)
	}
	if !ok {
		t.Fatal("fresh instance failed integrity check")
	}

	// Flip bytes in lineage.json without touching the manifest.
	lineagePath := filepath.Join(s.InstanceDir(id), LineageFile)
	if err := os.Chmod(lineagePath, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	data, err := os.ReadFile(lineagePath)
	if err != nil {
		t.Fatalf("read lineage: %v", err)
	}
	tampered := strings.Replace(string(data), "\"generation\": 1", "\"generation\": 9", 1)
	if tampered == string(data) {
		t.Fatal("tamper replacement did not apply")
	}
	if err := os.WriteFile(lineagePath, []byte(tampered), 0o644); err != nil {
		t.Fatalf("write tampered lineage: %v", err)
	}

	ok, err = s.VerifyLineageIntegrity(id)
	if err != nil {
		t.Fatalf("VerifyLineageIntegrity after tamper: %v", err)
	}
	if ok {
		t.Fatal("tampered lineage passed integrity check")
	}
}

func TestSpawnCloneFailureRollsBack(t *testing.T) {
	t.Parallel()

	s := newTestSpawner(t)
	// A fifo is an unsupported file type, so both clone attempts fail.
	if err := syscall.Mkfifo(filepath.Join(s.cfg.TemplateDir, "core", "pipe"), 0o644); err != nil {
		t.Skipf("mkfifo unavailable: %v", err)
	}

	if _, err := s.Spawn(context.Background(), Options{AutoPrune: true}); err == nil {
		t.Fatal("Spawn succeeded with uncloneable template entry")
	}

	entries, _ := os.ReadDir(s.cfg.InstancesDir)
	if len(entries) != 0 {
		t.Fatalf("failed spawn left directories: %v", entries)
	}
}
