package spawn

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/spica/internal/storage"
)

const (
	// LineageFile is the immutable origin record, one per instance.
	LineageFile = "lineage.json"
	// ManifestFile carries the spawn parameters and the lineage digest.
	ManifestFile = "manifest.json"
	// TournamentLockFile marks an instance reserved by an in-flight evaluation.
	TournamentLockFile = ".tournament_lock"
	// TemplateVersionFile is the marker a template directory must carry.
	TemplateVersionFile = "TEMPLATE_VERSION"
)

// Lineage records where an instance came from. Written once at spawn time
// and never modified; the manifest's digest makes edits detectable.
type Lineage struct {
	SpicaID      string    `json:"spica_id"`
	ParentID     string    `json:"parent_id,omitempty"`
	OriginCommit string    `json:"origin_commit,omitempty"`
	Generation   int       `json:"generation"`
	SpawnedAt    time.Time `json:"spawned_at"`
}

// Manifest describes how an instance was spawned.
type Manifest struct {
	SpicaID         string         `json:"spica_id"`
	TemplateRef     string         `json:"template_ref"`
	TemplateVersion string         `json:"template_version"`
	LineageSHA      string         `json:"lineage_sha"`
	Seed            uint64         `json:"seed"`
	Params          map[string]any `json:"params,omitempty"`
	Budget          map[string]any `json:"budget,omitempty"`
	SpawnedAt       time.Time      `json:"spawned_at"`
	Notes           string         `json:"notes,omitempty"`
}

// TournamentLock reserves an instance for an evaluation in progress.
type TournamentLock struct {
	SpicaID  string    `json:"spica_id"`
	Purpose  string    `json:"purpose"`
	LockedAt time.Time `json:"locked_at"`
}

// LoadLineage reads an instance's lineage record.
func LoadLineage(instanceDir string) (*Lineage, error) {
	var l Lineage
	if err := storage.ReadJSON(filepath.Join(instanceDir, LineageFile), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// LoadManifest reads an instance's manifest.
func LoadManifest(instanceDir string) (*Manifest, error) {
	var m Manifest
	if err := storage.ReadJSON(filepath.Join(instanceDir, ManifestFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadTournamentLock reads the lock file if present; (nil, nil) when absent.
func LoadTournamentLock(instanceDir string) (*TournamentLock, error) {
	var tl TournamentLock
	err := storage.ReadJSON(filepath.Join(instanceDir, TournamentLockFile), &tl)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tl, nil
}

// HashLineageFile computes the hex blake3 digest of an instance's raw
// lineage.json bytes. Digesting the file, not the struct, means any byte
// flipped on disk changes the result.
func HashLineageFile(instanceDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(instanceDir, LineageFile))
	if err != nil {
		return "", fmt.Errorf("read lineage: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
