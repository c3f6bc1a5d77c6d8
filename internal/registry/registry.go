package registry

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/spica/internal/storage"
)

// Entry describes one provider of a (capability, specialization) pair.
type Entry struct {
	Provider      string    `json:"provider"`
	State         string    `json:"state"`
	Socket        string    `json:"socket"`
	Version       string    `json:"version"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Snapshot is the full registry document as stored on disk.
type Snapshot struct {
	Capabilities map[string]map[string]Entry `json:"capabilities"`
}

// ProviderNotFoundError reports a heartbeat/deregister/update against a
// provider with no registry entry.
type ProviderNotFoundError struct {
	Provider string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("provider %q not found in registry", e.Provider)
}

// Registry is a JSON-file-backed capability directory shared between
// processes. Every mutation runs under a sidecar flock and lands via atomic
// rename, so concurrent writers serialize instead of losing updates.
type Registry struct {
	path string
	now  func() time.Time
}

// New returns a registry backed by the JSON document at path. The file is
// created on first write.
func New(path string) *Registry {
	return &Registry{path: path, now: time.Now}
}

// Path returns the backing file path.
func (r *Registry) Path() string { return r.path }

// Register upserts the entry for (capability, specialization). The previous
// entry for the same pair, if any, is replaced.
func (r *Registry) Register(capability, specialization string, e Entry) error {
	if capability == "" || specialization == "" {
		return fmt.Errorf("capability and specialization are required")
	}
	if e.Provider == "" {
		return fmt.Errorf("provider is required")
	}

	return r.mutate(func(s *Snapshot) error {
		if s.Capabilities[capability] == nil {
			s.Capabilities[capability] = make(map[string]Entry)
		}
		if e.LastHeartbeat.IsZero() {
			e.LastHeartbeat = r.now().UTC()
		}
		s.Capabilities[capability][specialization] = e
		return nil
	})
}

// Query returns the entry for (capability, specialization), or nil if absent.
func (r *Registry) Query(capability, specialization string) (*Entry, error) {
	s, err := r.load()
	if err != nil {
		return nil, err
	}
	specs, ok := s.Capabilities[capability]
	if !ok {
		return nil, nil
	}
	e, ok := specs[specialization]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Heartbeat refreshes last_heartbeat on every entry owned by provider.
func (r *Registry) Heartbeat(provider string) error {
	return r.mutate(func(s *Snapshot) error {
		found := false
		for cap, specs := range s.Capabilities {
			for spec, e := range specs {
				if e.Provider != provider {
					continue
				}
				e.LastHeartbeat = r.now().UTC()
				s.Capabilities[cap][spec] = e
				found = true
			}
		}
		if !found {
			return &ProviderNotFoundError{Provider: provider}
		}
		return nil
	})
}

// UpdateState sets the lifecycle state recorded for provider's entries.
func (r *Registry) UpdateState(provider, state string) error {
	return r.mutate(func(s *Snapshot) error {
		found := false
		for cap, specs := range s.Capabilities {
			for spec, e := range specs {
				if e.Provider != provider {
					continue
				}
				e.State = state
				s.Capabilities[cap][spec] = e
				found = true
			}
		}
		if !found {
			return &ProviderNotFoundError{Provider: provider}
		}
		return nil
	})
}

// Deregister removes all entries owned by provider. A capability left with
// no specializations is removed entirely.
func (r *Registry) Deregister(provider string) error {
	return r.mutate(func(s *Snapshot) error {
		found := false
		for cap, specs := range s.Capabilities {
			for spec, e := range specs {
				if e.Provider != provider {
					continue
				}
				delete(specs, spec)
				found = true
			}
			if len(specs) == 0 {
				delete(s.Capabilities, cap)
			}
		}
		if !found {
			return &ProviderNotFoundError{Provider: provider}
		}
		return nil
	})
}

// ListAll returns the full registry snapshot.
func (r *Registry) ListAll() (*Snapshot, error) {
	return r.load()
}

// mutate runs fn on the current snapshot and persists the result. The flock
// spans the whole read-modify-write so concurrent processes cannot interleave.
func (r *Registry) mutate(fn func(*Snapshot) error) error {
	lock, err := storage.LockFile(r.path)
	if err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer lock.Unlock()

	s, err := r.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	if err := storage.WriteJSONAtomic(r.path, s, 0o644); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}

func (r *Registry) load() (*Snapshot, error) {
	lock, err := storage.LockFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	defer lock.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() (*Snapshot, error) {
	s := &Snapshot{Capabilities: make(map[string]map[string]Entry)}
	err := storage.ReadJSON(r.path, s)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if s.Capabilities == nil {
		s.Capabilities = make(map[string]map[string]Entry)
	}
	return s, nil
}
