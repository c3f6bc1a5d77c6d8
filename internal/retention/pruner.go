package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mattjoyce/spica/internal/audit"
	"github.com/mattjoyce/spica/internal/log"
	"github.com/mattjoyce/spica/internal/spawn"
	"github.com/mattjoyce/spica/internal/storage"
)

// DefaultLockStaleAfter is how old a tournament lock may be before it is
// considered abandoned and discarded.
const DefaultLockStaleAfter = 2 * time.Hour

// Config locates the instance pool and tunes lock staleness.
type Config struct {
	InstancesDir   string
	LockStaleAfter time.Duration
}

// Result summarizes one prune sweep.
type Result struct {
	Pruned              int   `json:"pruned"`
	Kept                int   `json:"kept"`
	TournamentProtected int   `json:"tournament_protected"`
	IncompleteCleaned   int   `json:"incomplete_cleaned"`
	SpaceReclaimed      int64 `json:"space_reclaimed"`
}

// Pruner reclaims disk from old, excess, or incomplete instances. Sweeps
// serialize on a pool-level flock so concurrent invocations (two spawners
// pre-pruning at once) cannot race each other.
type Pruner struct {
	cfg    Config
	audit  *audit.Log
	logger *slog.Logger
	now    func() time.Time
}

// New creates a pruner. auditLog may be nil; sweeps are then only logged.
func New(cfg Config, auditLog *audit.Log) *Pruner {
	if cfg.LockStaleAfter <= 0 {
		cfg.LockStaleAfter = DefaultLockStaleAfter
	}
	return &Pruner{
		cfg:    cfg,
		audit:  auditLog,
		logger: log.WithComponent("retention"),
		now:    time.Now,
	}
}

type candidate struct {
	dir       string
	spawnedAt time.Time
}

// Prune runs the two-pass sweep. Pass 1 removes instances missing either
// record file. Pass 2 keeps tournament-locked instances unconditionally,
// then the newest maxInstances that are younger than maxAgeDays; the rest
// are deleted. With dryRun nothing is removed, counts are still reported,
// and the audit row is still written.
func (p *Pruner) Prune(ctx context.Context, maxInstances, maxAgeDays int, dryRun bool) (Result, error) {
	poolLock, err := storage.LockFile(filepath.Join(p.cfg.InstancesDir, ".prune"))
	if err != nil {
		return Result{}, fmt.Errorf("lock instance pool: %w", err)
	}
	defer poolLock.Unlock()

	var res Result

	entries, err := os.ReadDir(p.cfg.InstancesDir)
	if os.IsNotExist(err) {
		p.record(ctx, res, dryRun)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read instances directory: %w", err)
	}

	var valid []candidate
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(p.cfg.InstancesDir, entry.Name())

		manifest, merr := spawn.LoadManifest(dir)
		_, lerr := spawn.LoadLineage(dir)
		if merr != nil || lerr != nil {
			// Pass 1: incomplete instances are never worth keeping.
			res.IncompleteCleaned++
			res.SpaceReclaimed += dirSize(dir)
			if !dryRun {
				if err := os.RemoveAll(dir); err != nil {
					return res, fmt.Errorf("remove incomplete instance %s: %w", entry.Name(), err)
				}
			}
			p.logger.Info("incomplete instance cleaned", "instance", entry.Name(), "dry_run", dryRun)
			continue
		}

		valid = append(valid, candidate{dir: dir, spawnedAt: manifest.SpawnedAt})
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].spawnedAt.After(valid[j].spawnedAt)
	})

	now := p.now()
	maxAge := time.Duration(maxAgeDays) * 24 * time.Hour
	rank := 0
	for _, c := range valid {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := filepath.Base(c.dir)

		lock, err := spawn.LoadTournamentLock(c.dir)
		if err != nil {
			p.logger.Warn("unreadable tournament lock, treating as absent", "instance", name, "error", err)
		}
		if lock != nil {
			if now.Sub(lock.LockedAt) < p.cfg.LockStaleAfter {
				res.TournamentProtected++
				res.Kept++
				continue
			}
			// Stale lock: discard it and let normal retention decide.
			if !dryRun {
				if err := os.Remove(filepath.Join(c.dir, spawn.TournamentLockFile)); err != nil && !os.IsNotExist(err) {
					p.logger.Warn("failed to discard stale tournament lock", "instance", name, "error", err)
				}
			}
			p.logger.Info("stale tournament lock discarded", "instance", name, "locked_at", lock.LockedAt)
		}

		withinCount := maxInstances <= 0 || rank < maxInstances
		withinAge := maxAgeDays <= 0 || now.Sub(c.spawnedAt) < maxAge
		if withinCount && withinAge {
			res.Kept++
			rank++
			continue
		}

		res.Pruned++
		res.SpaceReclaimed += dirSize(c.dir)
		if !dryRun {
			if err := os.RemoveAll(c.dir); err != nil {
				return res, fmt.Errorf("remove instance %s: %w", name, err)
			}
		}
		p.logger.Info("instance pruned", "instance", name, "spawned_at", c.spawnedAt, "dry_run", dryRun)
	}

	p.record(ctx, res, dryRun)
	return res, nil
}

// record appends the audit row. Every invocation gets one, dry runs included.
func (p *Pruner) record(ctx context.Context, res Result, dryRun bool) {
	p.logger.Info("prune sweep complete",
		"pruned", res.Pruned,
		"kept", res.Kept,
		"tournament_protected", res.TournamentProtected,
		"incomplete_cleaned", res.IncompleteCleaned,
		"space_reclaimed", res.SpaceReclaimed,
		"dry_run", dryRun)

	if p.audit == nil {
		return
	}
	if err := p.audit.RecordPrune(ctx, audit.PruneRecord{
		Pruned:              res.Pruned,
		Kept:                res.Kept,
		TournamentProtected: res.TournamentProtected,
		IncompleteCleaned:   res.IncompleteCleaned,
		SpaceReclaimed:      res.SpaceReclaimed,
		DryRun:              dryRun,
		At:                  p.now(),
	}); err != nil {
		p.logger.Error("failed to write prune audit row", "error", err)
	}
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
