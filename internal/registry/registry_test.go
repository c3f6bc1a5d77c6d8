package registry

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "registry.json"))
}

func TestRegisterQueryRoundTrip(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	in := Entry{
		Provider: "spica-abc",
		State:    "INTEGRATED",
		Socket:   "/run/spica/spica-summarize.sock",
		Version:  "1.0.0",
	}
	require.NoError(t, r.Register("summarize", "meeting-notes", in))

	got, err := r.Query("summarize", "meeting-notes")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, in.Provider, got.Provider)
	require.Equal(t, in.Socket, got.Socket)
	require.False(t, got.LastHeartbeat.IsZero(), "register should stamp last_heartbeat")
}

func TestQueryMissingReturnsNil(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	got, err := r.Query("nope", "nothing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRegisterIsUpsert(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	require.NoError(t, r.Register("summarize", "meeting-notes", Entry{Provider: "spica-a", Version: "1"}))
	require.NoError(t, r.Register("summarize", "meeting-notes", Entry{Provider: "spica-a", Version: "2"}))

	got, err := r.Query("summarize", "meeting-notes")
	require.NoError(t, err)
	require.Equal(t, "2", got.Version)

	snap, err := r.ListAll()
	require.NoError(t, err)
	require.Len(t, snap.Capabilities["summarize"], 1)
}

func TestHeartbeatRefreshesTimestamp(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	require.NoError(t, r.Register("summarize", "meeting-notes", Entry{Provider: "spica-a"}))

	before, err := r.Query("summarize", "meeting-notes")
	require.NoError(t, err)

	// Move the clock so the refresh is observable.
	r.now = func() time.Time { return before.LastHeartbeat.Add(42 * time.Second) }
	require.NoError(t, r.Heartbeat("spica-a"))

	after, err := r.Query("summarize", "meeting-notes")
	require.NoError(t, err)
	require.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
}

func TestHeartbeatUnknownProvider(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	err := r.Heartbeat("ghost")
	var pnf *ProviderNotFoundError
	require.True(t, errors.As(err, &pnf))
	require.Equal(t, "ghost", pnf.Provider)
}

func TestDeregisterRemovesEmptyCapabilityKey(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	require.NoError(t, r.Register("summarize", "meeting-notes", Entry{Provider: "spica-a"}))
	require.NoError(t, r.Register("summarize", "legal-briefs", Entry{Provider: "spica-b"}))

	require.NoError(t, r.Deregister("spica-a"))
	snap, err := r.ListAll()
	require.NoError(t, err)
	require.Len(t, snap.Capabilities["summarize"], 1, "other specialization must survive")

	require.NoError(t, r.Deregister("spica-b"))
	snap, err = r.ListAll()
	require.NoError(t, err)
	_, ok := snap.Capabilities["summarize"]
	require.False(t, ok, "empty capability key must be removed")

	got, err := r.Query("summarize", "legal-briefs")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDeregisterUnknownProvider(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	var pnf *ProviderNotFoundError
	require.True(t, errors.As(r.Deregister("ghost"), &pnf))
}

func TestUpdateState(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	require.NoError(t, r.Register("summarize", "meeting-notes", Entry{Provider: "spica-a", State: "SPECIALIZED"}))
	require.NoError(t, r.UpdateState("spica-a", "INTEGRATED"))

	got, err := r.Query("summarize", "meeting-notes")
	require.NoError(t, err)
	require.Equal(t, "INTEGRATED", got.State)
}

func TestConcurrentRegistrationsAllSurvive(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	var wg sync.WaitGroup
	specs := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, spec := range specs {
		wg.Add(1)
		go func(spec string) {
			defer wg.Done()
			if err := r.Register("cap", spec, Entry{Provider: "spica-" + spec}); err != nil {
				t.Errorf("Register %s: %v", spec, err)
			}
		}(spec)
	}
	wg.Wait()

	snap, err := r.ListAll()
	require.NoError(t, err)
	require.Len(t, snap.Capabilities["cap"], len(specs), "file lock must prevent lost updates")
}
