package api

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/mattjoyce/spica/internal/audit"
	"github.com/mattjoyce/spica/internal/spawn"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	instances, err := s.listInstances()
	if err != nil {
		s.logger.Error("failed to scan instance pool", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to scan instance pool")
		return
	}

	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Instances:     len(instances),
	})
}

// handleRegistry handles GET /v1/registry.
func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.ListAll()
	if err != nil {
		s.logger.Error("failed to read registry", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read registry")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleGovernor handles GET /v1/governor.
func (s *Server) handleGovernor(w http.ResponseWriter, r *http.Request) {
	st, err := s.governor.Snapshot()
	if err != nil {
		s.logger.Error("failed to read governor state", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read governor state")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleInstances handles GET /v1/instances.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.listInstances()
	if err != nil {
		s.logger.Error("failed to scan instance pool", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to scan instance pool")
		return
	}
	s.writeJSON(w, http.StatusOK, instances)
}

// handleSpawns handles GET /v1/spawns?limit=N.
func (s *Server) handleSpawns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}

	records, err := s.auditor.RecentSpawns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read spawn history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read spawn history")
		return
	}
	if records == nil {
		records = []audit.SpawnRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

// listInstances scans the pool directory, newest first. Directories missing
// their records are reported as incomplete rather than skipped.
func (s *Server) listInstances() ([]InstanceSummary, error) {
	entries, err := os.ReadDir(s.config.InstancesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []InstanceSummary{}, nil
		}
		return nil, err
	}

	out := make([]InstanceSummary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.config.InstancesDir, entry.Name())

		lin, err := spawn.LoadLineage(dir)
		if err != nil || lin == nil {
			out = append(out, InstanceSummary{SpicaID: entry.Name(), Incomplete: true})
			continue
		}
		man, err := spawn.LoadManifest(dir)
		if err != nil || man == nil {
			out = append(out, InstanceSummary{SpicaID: entry.Name(), Incomplete: true})
			continue
		}

		tl, err := spawn.LoadTournamentLock(dir)
		if err != nil {
			return nil, err
		}

		out = append(out, InstanceSummary{
			SpicaID:    lin.SpicaID,
			Generation: lin.Generation,
			ParentID:   lin.ParentID,
			SpawnedAt:  lin.SpawnedAt,
			Locked:     tl != nil,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SpawnedAt.After(out[j].SpawnedAt)
	})
	return out, nil
}
