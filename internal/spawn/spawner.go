package spawn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/spica/internal/log"
	"github.com/mattjoyce/spica/internal/storage"
)

// templateIgnoreFile lists glob patterns excluded from cloning, one per
// line, matched against paths relative to the template root.
const templateIgnoreFile = ".templateignore"

// Config locates the template and the instance pool.
type Config struct {
	TemplateDir  string
	InstancesDir string
	// OriginCommit is the source revision baked into each lineage record.
	OriginCommit string
}

// Options parameterize one spawn.
type Options struct {
	Mutations map[string]any
	ParentID  string
	Budget    map[string]any
	Notes     string
	// AutoPrune runs the injected pre-prune hook before spawning. When
	// false the instance is reserved for immediate evaluation and gets a
	// tournament lock.
	AutoPrune bool
}

// Spawner clones the template into new instance directories with
// tamper-evident lineage. PrePrune, when set, runs before each AutoPrune
// spawn; the retention package provides it.
type Spawner struct {
	cfg      Config
	logger   *slog.Logger
	PrePrune func(ctx context.Context) error
	now      func() time.Time
	newID    func() string
}

// New creates a spawner.
func New(cfg Config) *Spawner {
	return &Spawner{
		cfg:    cfg,
		logger: log.WithComponent("spawn"),
		now:    time.Now,
		newID:  func() string { return "spica-" + uuid.NewString() },
	}
}

// InstanceDir returns the directory an instance id maps to.
func (s *Spawner) InstanceDir(id string) string {
	return filepath.Join(s.cfg.InstancesDir, id)
}

// Spawn clones the template into a fresh instance directory, writes the
// lineage and manifest records, and returns the new instance id. On any
// failure after the directory was created, the whole directory is removed;
// partially initialized instances never survive.
func (s *Spawner) Spawn(ctx context.Context, opts Options) (string, error) {
	if opts.AutoPrune && s.PrePrune != nil {
		if err := s.PrePrune(ctx); err != nil {
			s.logger.Warn("pre-spawn prune failed", "error", err)
		}
	}

	templateVersion, err := s.verifyTemplate()
	if err != nil {
		return "", err
	}

	id := s.newID()
	dir := s.InstanceDir(id)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("instance directory %s already exists", dir)
	}

	if err := s.populate(ctx, id, dir, templateVersion, opts); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Error("rollback failed, partial instance left on disk", "dir", dir, "error", rmErr)
		}
		return "", err
	}

	log.WithInstance(id).Info("instance spawned",
		"parent", opts.ParentID,
		"template_version", templateVersion,
		"auto_prune", opts.AutoPrune)
	return id, nil
}

// populate does every step that happens inside the new directory. The caller
// owns rollback.
func (s *Spawner) populate(ctx context.Context, id, dir, templateVersion string, opts Options) error {
	if err := s.cloneTemplate(ctx, dir); err != nil {
		// One retry covers transient partial-copy failures (e.g. the
		// template mutating mid-walk).
		s.logger.Warn("template clone failed, retrying once", "error", err)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return fmt.Errorf("clean partial clone: %w", rmErr)
		}
		if err := s.cloneTemplate(ctx, dir); err != nil {
			return fmt.Errorf("clone template: %w", err)
		}
	}

	now := s.now().UTC()

	generation := 1
	if opts.ParentID != "" {
		if parent, err := LoadLineage(s.InstanceDir(opts.ParentID)); err == nil {
			generation = parent.Generation + 1
		}
	}

	lineage := Lineage{
		SpicaID:      id,
		ParentID:     opts.ParentID,
		OriginCommit: s.cfg.OriginCommit,
		Generation:   generation,
		SpawnedAt:    now,
	}
	if err := storage.WriteJSONAtomic(filepath.Join(dir, LineageFile), lineage, 0o444); err != nil {
		return fmt.Errorf("write lineage: %w", err)
	}

	lineageSHA, err := HashLineageFile(dir)
	if err != nil {
		return err
	}

	manifest := Manifest{
		SpicaID:         id,
		TemplateRef:     s.cfg.TemplateDir,
		TemplateVersion: templateVersion,
		LineageSHA:      lineageSHA,
		Seed:            seedFor(id),
		Params:          opts.Mutations,
		Budget:          opts.Budget,
		SpawnedAt:       now,
		Notes:           opts.Notes,
	}
	if err := storage.WriteJSONAtomic(filepath.Join(dir, ManifestFile), manifest, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if !opts.AutoPrune {
		lock := TournamentLock{
			SpicaID:  id,
			Purpose:  "pending-evaluation",
			LockedAt: now,
		}
		if err := storage.WriteJSONAtomic(filepath.Join(dir, TournamentLockFile), lock, 0o644); err != nil {
			return fmt.Errorf("write tournament lock: %w", err)
		}
	}

	return nil
}

// VerifyLineageIntegrity recomputes the lineage digest for id and compares
// it to the manifest's stored value. False means lineage.json was altered
// after spawn.
func (s *Spawner) VerifyLineageIntegrity(id string) (bool, error) {
	dir := s.InstanceDir(id)
	m, err := LoadManifest(dir)
	if err != nil {
		return false, fmt.Errorf("load manifest: %w", err)
	}
	actual, err := HashLineageFile(dir)
	if err != nil {
		return false, err
	}
	return actual == m.LineageSHA, nil
}

// verifyTemplate checks the template directory and its version marker exist.
func (s *Spawner) verifyTemplate() (string, error) {
	info, err := os.Stat(s.cfg.TemplateDir)
	if err != nil {
		return "", fmt.Errorf("template directory %s: %w", s.cfg.TemplateDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("template path %s is not a directory", s.cfg.TemplateDir)
	}

	data, err := os.ReadFile(filepath.Join(s.cfg.TemplateDir, TemplateVersionFile))
	if err != nil {
		return "", fmt.Errorf("template version marker: %w", err)
	}
	version := strings.TrimSpace(string(data))
	if version == "" {
		return "", fmt.Errorf("template version marker is empty")
	}
	return version, nil
}

// cloneTemplate copies the template tree into dst, honoring the exclusion
// patterns in .templateignore.
func (s *Spawner) cloneTemplate(ctx context.Context, dst string) error {
	ignore, err := s.loadIgnorePatterns()
	if err != nil {
		return err
	}

	src := s.cfg.TemplateDir
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create instance directory: %w", err)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == src {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		if relPath == templateIgnoreFile || matchesAny(ignore, relPath) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		dstPath := filepath.Join(dst, relPath)
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			if err := copyFile(path, dstPath, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}
		return nil
	})
}

func (s *Spawner) loadIgnorePatterns() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.cfg.TemplateDir, templateIgnoreFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", templateIgnoreFile, err)
	}

	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}

func matchesAny(patterns []string, relPath string) bool {
	base := filepath.Base(relPath)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q: %w", dst, err)
	}
	return out.Close()
}

// seedFor derives a stable per-instance seed from the instance id.
func seedFor(id string) uint64 {
	sum := blake3.Sum256([]byte(id))
	return binary.BigEndian.Uint64(sum[:8])
}
