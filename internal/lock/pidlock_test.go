package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := ForRole(t.TempDir(), "summarizer")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		t.Fatalf("lock file content %q is not a pid", b)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestForRolePath(t *testing.T) {
	t.Parallel()

	got := ForRole("/run/spica", "worker")
	want := filepath.Join("/run/spica", "spica-worker.pid")
	if got != want {
		t.Fatalf("ForRole = %q, want %q", got, want)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "spica-worker.pid")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Released is released: double release is a no-op, re-acquire succeeds.
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	l2, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	_ = l2.Release()
}
