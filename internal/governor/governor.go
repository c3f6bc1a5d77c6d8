package governor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mattjoyce/spica/internal/log"
	"github.com/mattjoyce/spica/internal/storage"
)

// CircuitState is the breaker's position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// spawn_history entries older than this are dropped on save to keep the
// state file bounded. The rate check only looks one hour back.
const historyRetention = 24 * time.Hour

// Config bounds the cell population. Each governor owns its state file; there
// is no process-wide singleton.
type Config struct {
	StatePath        string
	InstancesDir     string
	MinDiskFreeBytes uint64
	MaxSpawnsPerHour int
	MaxInstances     int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	WarnInterval     time.Duration
}

// SpawnAttempt is one recorded outcome in the trailing history window.
type SpawnAttempt struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
}

// State is the governor's persisted document, rewritten atomically on every
// mutation.
type State struct {
	CircuitState        CircuitState   `json:"circuit_state"`
	CircuitOpenedAt     time.Time      `json:"circuit_opened_at,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	SpawnHistory        []SpawnAttempt `json:"spawn_history"`
}

// Governor gates spawn operations with disk, rate, population, and circuit
// breaker checks.
type Governor struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	lastWarn  map[string]time.Time
	now       func() time.Time
	freeBytes func(string) (uint64, error)
	countFn   func() (int, error)
}

// New creates a governor. countFn may be nil, in which case active instances
// are counted as subdirectories of cfg.InstancesDir.
func New(cfg Config, countFn func() (int, error)) *Governor {
	g := &Governor{
		cfg:       cfg,
		logger:    log.WithComponent("governor"),
		lastWarn:  make(map[string]time.Time),
		now:       time.Now,
		freeBytes: storage.FreeBytes,
		countFn:   countFn,
	}
	if g.countFn == nil {
		g.countFn = g.countInstanceDirs
	}
	return g
}

// CanSpawn runs the four admission checks in order, short-circuiting on the
// first failure. The returned reason is empty when spawning is allowed.
func (g *Governor) CanSpawn() (bool, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	flock, err := storage.LockFile(g.cfg.StatePath)
	if err != nil {
		return false, "", fmt.Errorf("lock governor state: %w", err)
	}
	defer flock.Unlock()

	st, err := g.loadLocked()
	if err != nil {
		return false, "", err
	}

	if free, err := g.freeBytes(g.cfg.InstancesDir); err != nil {
		return false, "", fmt.Errorf("disk check: %w", err)
	} else if free < g.cfg.MinDiskFreeBytes {
		reason := fmt.Sprintf("disk free %d bytes below minimum %d", free, g.cfg.MinDiskFreeBytes)
		g.warnThrottled("disk", reason)
		return false, reason, nil
	}

	if g.cfg.MaxSpawnsPerHour > 0 {
		recent := 0
		cutoff := g.now().Add(-time.Hour)
		for _, a := range st.SpawnHistory {
			if a.Success && a.Timestamp.After(cutoff) {
				recent++
			}
		}
		if recent >= g.cfg.MaxSpawnsPerHour {
			reason := fmt.Sprintf("spawn rate %d/hour at configured maximum %d", recent, g.cfg.MaxSpawnsPerHour)
			g.warnThrottled("rate", reason)
			return false, reason, nil
		}
	}

	if g.cfg.MaxInstances > 0 {
		count, err := g.countFn()
		if err != nil {
			return false, "", fmt.Errorf("count instances: %w", err)
		}
		if count >= g.cfg.MaxInstances {
			reason := fmt.Sprintf("active instances %d at configured maximum %d", count, g.cfg.MaxInstances)
			g.warnThrottled("population", reason)
			return false, reason, nil
		}
	}

	switch st.CircuitState {
	case CircuitOpen:
		if g.now().Sub(st.CircuitOpenedAt) >= g.cfg.BreakerCooldown {
			// Cooldown elapsed; permit one trial spawn.
			st.CircuitState = CircuitHalfOpen
			if err := g.saveLocked(st); err != nil {
				return false, "", err
			}
			g.logger.Info("circuit breaker half-open, one trial spawn permitted")
			return true, "", nil
		}
		reason := fmt.Sprintf("circuit breaker open since %s", st.CircuitOpenedAt.Format(time.RFC3339))
		g.warnThrottled("circuit", reason)
		return false, reason, nil
	case CircuitHalfOpen:
		// One trial is already in flight; its RecordSpawnAttempt resolves
		// the breaker either way.
		reason := "circuit breaker half-open, trial spawn in flight"
		g.warnThrottled("circuit", reason)
		return false, reason, nil
	default:
		return true, "", nil
	}
}

// RecordSpawnAttempt is the only breaker mutator. Callers must invoke it
// after every spawn attempt, success or failure, or an open breaker never
// recovers.
func (g *Governor) RecordSpawnAttempt(success bool, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	flock, err := storage.LockFile(g.cfg.StatePath)
	if err != nil {
		return fmt.Errorf("lock governor state: %w", err)
	}
	defer flock.Unlock()

	st, err := g.loadLocked()
	if err != nil {
		return err
	}

	now := g.now()
	st.SpawnHistory = append(st.SpawnHistory, SpawnAttempt{
		Timestamp: now,
		Success:   success,
		Reason:    reason,
	})

	if success {
		if st.CircuitState == CircuitHalfOpen {
			g.logger.Info("circuit breaker closed after successful trial spawn")
		}
		st.CircuitState = CircuitClosed
		st.ConsecutiveFailures = 0
		st.CircuitOpenedAt = time.Time{}
	} else {
		st.ConsecutiveFailures++
		if st.CircuitState == CircuitHalfOpen ||
			(st.CircuitState == CircuitClosed && st.ConsecutiveFailures >= g.cfg.BreakerThreshold) {
			st.CircuitState = CircuitOpen
			st.CircuitOpenedAt = now
			g.logger.Warn("circuit breaker opened",
				"consecutive_failures", st.ConsecutiveFailures,
				"cooldown", g.cfg.BreakerCooldown.String())
		}
	}

	return g.saveLocked(st)
}

// Snapshot returns the current persisted state.
func (g *Governor) Snapshot() (*State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loadLocked()
}

// loadLocked reads the state file. Mutating callers additionally hold the
// sidecar flock so the read-modify-write cannot interleave across processes.
func (g *Governor) loadLocked() (*State, error) {
	st := &State{CircuitState: CircuitClosed}
	err := storage.ReadJSON(g.cfg.StatePath, st)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read governor state: %w", err)
	}
	if st.CircuitState == "" {
		st.CircuitState = CircuitClosed
	}
	return st, nil
}

func (g *Governor) saveLocked(st *State) error {
	cutoff := g.now().Add(-historyRetention)
	trimmed := st.SpawnHistory[:0]
	for _, a := range st.SpawnHistory {
		if a.Timestamp.After(cutoff) {
			trimmed = append(trimmed, a)
		}
	}
	st.SpawnHistory = trimmed

	if err := storage.WriteJSONAtomic(g.cfg.StatePath, st, 0o644); err != nil {
		return fmt.Errorf("persist governor state: %w", err)
	}
	return nil
}

// warnThrottled logs a block reason at most once per WarnInterval so a hot
// caller loop cannot flood the log. Decision logic is unaffected.
func (g *Governor) warnThrottled(key, reason string) {
	if g.cfg.WarnInterval <= 0 {
		g.logger.Warn("spawn blocked", "reason", reason)
		return
	}
	now := g.now()
	if last, ok := g.lastWarn[key]; ok && now.Sub(last) < g.cfg.WarnInterval {
		return
	}
	g.lastWarn[key] = now
	g.logger.Warn("spawn blocked", "reason", reason)
}

func (g *Governor) countInstanceDirs() (int, error) {
	entries, err := os.ReadDir(g.cfg.InstancesDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			count++
		}
	}
	return count, nil
}
