package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattjoyce/spica/internal/storage"
)

// Log is the append-only operational audit trail. Spawn attempts and prune
// sweeps each get one row; nothing is ever updated or deleted.
type Log struct {
	db *sql.DB
}

// SpawnRecord is one spawn attempt, success or failure.
type SpawnRecord struct {
	InstanceID string    `json:"instance_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// PruneRecord is one retention sweep summary.
type PruneRecord struct {
	Pruned              int       `json:"pruned"`
	Kept                int       `json:"kept"`
	TournamentProtected int       `json:"tournament_protected"`
	IncompleteCleaned   int       `json:"incomplete_cleaned"`
	SpaceReclaimed      int64     `json:"space_reclaimed"`
	DryRun              bool      `json:"dry_run"`
	At                  time.Time `json:"at"`
}

// Open opens the audit database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Log, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// NewWithDB wraps an already-open database. Used by tests and by callers
// sharing one handle across components.
func NewWithDB(ctx context.Context, db *sql.DB) (*Log, error) {
	if err := bootstrap(ctx, db); err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS spawn_log (
  rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
  instance_id TEXT,
  parent_id   TEXT,
  success     INTEGER NOT NULL,
  reason      TEXT,
  recorded_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS prune_log (
  rowid                INTEGER PRIMARY KEY AUTOINCREMENT,
  pruned               INTEGER NOT NULL,
  kept                 INTEGER NOT NULL,
  tournament_protected INTEGER NOT NULL,
  incomplete_cleaned   INTEGER NOT NULL,
  space_reclaimed      INTEGER NOT NULL,
  dry_run              INTEGER NOT NULL,
  recorded_at          TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS spawn_log_recorded_at_idx ON spawn_log(recorded_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap audit schema: %w", err)
		}
	}
	return nil
}

// RecordSpawn appends one spawn attempt row.
func (l *Log) RecordSpawn(ctx context.Context, rec SpawnRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO spawn_log(instance_id, parent_id, success, reason, recorded_at)
VALUES(?, ?, ?, ?, ?);
`, rec.InstanceID, rec.ParentID, boolToInt(rec.Success), rec.Reason, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert spawn_log: %w", err)
	}
	return nil
}

// RecordPrune appends one retention sweep row. Dry runs are recorded too.
func (l *Log) RecordPrune(ctx context.Context, rec PruneRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO prune_log(pruned, kept, tournament_protected, incomplete_cleaned, space_reclaimed, dry_run, recorded_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, rec.Pruned, rec.Kept, rec.TournamentProtected, rec.IncompleteCleaned, rec.SpaceReclaimed, boolToInt(rec.DryRun), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert prune_log: %w", err)
	}
	return nil
}

// RecentSpawns returns up to limit spawn rows, newest first.
func (l *Log) RecentSpawns(ctx context.Context, limit int) ([]SpawnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT instance_id, parent_id, success, reason, recorded_at
FROM spawn_log
ORDER BY rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query spawn_log: %w", err)
	}
	defer rows.Close()

	var out []SpawnRecord
	for rows.Next() {
		var (
			rec     SpawnRecord
			success int
			atS     string
		)
		if err := rows.Scan(&rec.InstanceID, &rec.ParentID, &success, &rec.Reason, &atS); err != nil {
			return nil, fmt.Errorf("scan spawn_log: %w", err)
		}
		rec.Success = success != 0
		if t, err := time.Parse(time.RFC3339Nano, atS); err == nil {
			rec.At = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
