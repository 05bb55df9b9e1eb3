package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosandia/crm-renove-sub007/internal/optimistic"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/scheduler"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
	"github.com/carlosandia/crm-renove-sub007/internal/snapshot"
)

var (
	_ snapshot.KV         = (*Store)(nil)
	_ scheduler.Persister = (*Store)(nil)
	_ optimistic.Remote   = (*Store)(nil)
)

var fixedNow = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database under t.TempDir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithNow(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	var version int
	require.NoError(t, s.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for name, want := range map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
	} {
		assert.NoError(t, s.verifyPragma(ctx, name, want))
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	assert.Error(t, err)
}

func TestKV(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "pipeline_emergency_a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "pipeline_emergency_a", []byte(`{"v":1}`)))
	require.NoError(t, s.Set(ctx, "pipeline_emergency_a", []byte(`{"v":2}`)))
	require.NoError(t, s.Set(ctx, "pipeline_emergency_b", []byte(`{}`)))
	require.NoError(t, s.Set(ctx, "other", []byte(`{}`)))

	v, ok, err := s.Get(ctx, "pipeline_emergency_a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":2}`, string(v))

	keys, err := s.Keys(ctx, snapshot.KeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"pipeline_emergency_a", "pipeline_emergency_b"}, keys)

	require.NoError(t, s.Remove(ctx, "pipeline_emergency_a"))
	require.NoError(t, s.Remove(ctx, "pipeline_emergency_a"))
	_, ok, err = s.Get(ctx, "pipeline_emergency_a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKV_BacksSnapshotStore(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	snaps := snapshot.NewStore(s, snapshot.WithNow(func() time.Time { return fixedNow }))

	states := []section.State{
		{Name: section.Basic, Status: section.Dirty, Payload: payload.Payload{"name": "Vendas"}},
		{Name: section.Stages, Status: section.Error, Payload: payload.Payload{"items": []any{}}},
		{Name: section.Fields, Status: section.Clean},
	}
	ok, err := snaps.Capture(ctx, "rec-1", section.Stages, states)
	require.NoError(t, err)
	require.True(t, ok)

	snap, err := snaps.Recover(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []section.Name{section.Basic, section.Stages}, snap.Names())
	assert.Equal(t, section.Stages, snap.ActiveSection)
}

func TestPersistSection(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadSection(ctx, "rec-1", section.Basic)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PersistSection(ctx, "rec-1", section.Basic, payload.Payload{"name": "Vendas", "limit": 10}))
	require.NoError(t, s.PersistSection(ctx, "rec-1", section.Basic, payload.Payload{"limit": 20, "name": "Vendas"}))

	saved, ok, err := s.LoadSection(ctx, "rec-1", section.Basic)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, saved.Saves)
	assert.Equal(t, "2025-01-01T09:00:00Z", saved.SavedAt)
	assert.Equal(t, json.Number("20"), saved.Payload["limit"])
	assert.Equal(t, "Vendas", saved.Payload["name"])

	want, err := payload.Hash(payload.Payload{"name": "Vendas", "limit": 20})
	require.NoError(t, err)
	assert.Equal(t, want, saved.Hash)
}

func TestPersistSection_History(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistSection(ctx, "rec-1", section.Stages, payload.Payload{"items": []any{}}))
	require.NoError(t, s.PersistSection(ctx, "rec-1", section.Basic, payload.Payload{"name": "a"}))
	require.NoError(t, s.PersistSection(ctx, "rec-1", section.Stages, payload.Payload{"items": []any{"x"}}))
	require.NoError(t, s.PersistSection(ctx, "rec-2", section.Stages, payload.Payload{}))

	all, err := s.History(ctx, "rec-1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []section.Name{section.Stages, section.Basic, section.Stages},
		[]section.Name{all[0].Section, all[1].Section, all[2].Section})
	assert.Less(t, all[0].Seq, all[2].Seq)

	stages, err := s.History(ctx, "rec-1", section.Stages)
	require.NoError(t, err)
	assert.Len(t, stages, 2)
	assert.NotEqual(t, stages[0].Hash, stages[1].Hash)

	record, err := s.LoadRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, record, 2)
	assert.Equal(t, section.Basic, record[0].Section, "tab order, not save order")
	assert.Equal(t, section.Stages, record[1].Section)
}

func TestPersistSection_NilPayload(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PersistSection(ctx, "rec-1", section.Motives, nil))
	saved, ok, err := s.LoadSection(ctx, "rec-1", section.Motives)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload.Payload{}, saved.Payload)
}

func TestEntityStates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadEntity(ctx, "pipeline:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PersistEntityMutation(ctx, "pipeline:1", payload.Payload{"is_archived": true}))
	require.NoError(t, s.PersistEntityMutation(ctx, "pipeline:1", payload.Payload{"is_archived": false, "is_active": true}))

	v, ok, err := s.LoadEntity(ctx, "pipeline:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload.Payload{"is_active": true, "is_archived": false}, v)
}

func TestEntityStates_ThroughCoordinator(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	cache := optimistic.NewMemoryCache()
	coord := optimistic.NewCoordinator(cache, s, optimistic.WithNow(func() time.Time { return fixedNow }))

	_, err := coord.SetArchived(ctx, "pipeline:7", "Vendas", true)
	require.NoError(t, err)

	v, ok, err := s.LoadEntity(ctx, "pipeline:7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, v[optimistic.FieldIsArchived])
	assert.Equal(t, false, v[optimistic.FieldIsActive])
	assert.Equal(t, "2025-01-01T09:00:00Z", v[optimistic.FieldArchivedAt])
}

func TestPersistSection_CancelledContext(t *testing.T) {
	s := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.PersistSection(ctx, "rec-1", section.Basic, payload.Payload{}))
}
