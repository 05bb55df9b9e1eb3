package editor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosandia/crm-renove-sub007/internal/ids"
	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/optimistic"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/scheduler"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
	"github.com/carlosandia/crm-renove-sub007/internal/snapshot"
	"github.com/carlosandia/crm-renove-sub007/internal/testutil"
)

// remoteStore records saved sections and fails while failing is set.
type remoteStore struct {
	mu      sync.Mutex
	saved   map[section.Name]payload.Payload
	calls   int
	failing map[section.Name]bool
}

func newRemoteStore() *remoteStore {
	return &remoteStore{saved: map[section.Name]payload.Payload{}, failing: map[section.Name]bool{}}
}

func (r *remoteStore) PersistSection(_ context.Context, _ string, n section.Name, p payload.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failing[n] {
		return errors.New("502 bad gateway")
	}
	r.saved[n] = p
	return nil
}

func (r *remoteStore) setFailing(n section.Name, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[n] = v
}

func (r *remoteStore) get(n section.Name) (payload.Payload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.saved[n]
	return p, ok
}

func (r *remoteStore) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	clock  *testutil.ManualClock
	remote *remoteStore
	kv     *snapshot.MemoryKV
	notes  *notify.Recorder
	ed     *Editor
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:  testutil.NewManualClock(time.Time{}),
		remote: newRemoteStore(),
		kv:     snapshot.NewMemoryKV(),
		notes:  &notify.Recorder{},
	}
	f.ed = f.open(t, opts...)
	return f
}

func (f *fixture) open(t *testing.T, opts ...Option) *Editor {
	t.Helper()
	store := snapshot.NewStore(f.kv, snapshot.WithNow(f.clock.Now), snapshot.WithLogger(quiet()))
	base := []Option{
		WithClock(f.clock),
		WithLogger(quiet()),
		WithNotifier(f.notes),
		WithSnapshots(store),
		WithSessionIDs(ids.NewSequential("session")),
	}
	ed, err := New("rec-1", f.remote, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ed.Close(context.Background()) })
	return ed
}

func (f *fixture) status(t *testing.T, n section.Name) section.Status {
	t.Helper()
	st, err := f.ed.Section(n)
	require.NoError(t, err)
	return st.Status
}

func singleAttempt() scheduler.Policy {
	return scheduler.Policy{Debounce: 1500 * time.Millisecond, MaxAttempts: 1, BackoffBase: time.Second, BackoffMax: time.Second}
}

func TestEditor_MarkSectionDirtySavesAfterDebounce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ed.MarkSectionDirty(section.Basic, payload.Payload{"name": "Vendas"}))
	assert.True(t, f.ed.HasUnsavedChanges())
	assert.Equal(t, 1, f.ed.PendingCount())
	assert.Equal(t, "session-1", f.ed.SessionID())

	f.clock.Advance(1500 * time.Millisecond)
	p, ok := f.remote.get(section.Basic)
	require.True(t, ok)
	assert.Equal(t, "Vendas", p["name"])
	assert.False(t, f.ed.HasUnsavedChanges())

	err := f.ed.MarkSectionDirty("pricing", payload.Payload{})
	assert.ErrorIs(t, err, section.ErrUnknownSection)
}

func TestEditor_ChangeActiveSectionFlushesOutgoing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ed.MarkSectionDirty(section.Basic, payload.Payload{"name": "Vendas"}))

	ok, err := f.ed.ChangeActiveSection(context.Background(), section.Stages)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, section.Stages, f.ed.ActiveSection())
	assert.Equal(t, section.Clean, f.status(t, section.Basic))
	assert.Equal(t, 1, f.remote.callCount(), "flush skips the debounce")
}

func TestEditor_ChangeActiveSectionBlockedByFailedFlush(t *testing.T) {
	f := newFixture(t, WithPolicy(singleAttempt()))
	f.remote.setFailing(section.Basic, true)
	require.NoError(t, f.ed.MarkSectionDirty(section.Basic, payload.Payload{"name": "Vendas"}))

	ok, err := f.ed.ChangeActiveSection(context.Background(), section.Fields)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, section.Basic, f.ed.ActiveSection())

	st, err := f.ed.Section(section.Basic)
	require.NoError(t, err)
	assert.Equal(t, section.Error, st.Status)
	assert.Equal(t, "Vendas", st.Payload["name"])

	notes := f.notes.Notes()
	require.Len(t, notes, 2)
	assert.Equal(t, notify.Warning, notes[0].Kind)
	assert.Equal(t, "Failed to save Básico after 1 attempts. Changes preserved locally.", notes[0].Message)
	assert.Contains(t, notes[1].Message, "Could not save Básico")
}

func TestEditor_ChangeActiveSectionConfirmed(t *testing.T) {
	var asked section.Name
	f := newFixture(t,
		WithPolicy(singleAttempt()),
		WithConfirmer(ConfirmFunc(func(_ context.Context, from section.Name, err error) bool {
			asked = from
			return scheduler.IsSaveError(err)
		})),
	)
	f.remote.setFailing(section.Cadence, true)
	_, err := f.ed.ChangeActiveSection(context.Background(), section.Cadence)
	require.NoError(t, err)
	require.NoError(t, f.ed.MarkSectionDirty(section.Cadence, payload.Payload{"stages": map[string]any{}}))

	ok, err := f.ed.ChangeActiveSection(context.Background(), section.Motives)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, section.Cadence, asked)
	assert.Equal(t, section.Motives, f.ed.ActiveSection())
	assert.Equal(t, section.Error, f.status(t, section.Cadence), "failed section keeps its data")
}

func TestEditor_ChangeActiveSectionUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.ed.ChangeActiveSection(context.Background(), "pricing")
	assert.ErrorIs(t, err, section.ErrUnknownSection)
}

func TestEditor_SaveAllPending(t *testing.T) {
	f := newFixture(t, WithPolicy(singleAttempt()))
	f.remote.setFailing(section.Fields, true)
	require.NoError(t, f.ed.MarkSectionDirty(section.Basic, payload.Payload{"name": "Vendas"}))
	require.NoError(t, f.ed.MarkSectionDirty(section.Fields, payload.Payload{"fields": []any{"cpf"}}))
	_, err := f.ed.CaptureSnapshot(context.Background())
	require.NoError(t, err)

	assert.False(t, f.ed.SaveAllPending(context.Background()))
	assert.Equal(t, section.Clean, f.status(t, section.Basic))
	assert.Equal(t, section.Error, f.status(t, section.Fields))
	assert.NotEmpty(t, f.kv.Keys(), "snapshot kept while a section is unsaved")

	f.remote.setFailing(section.Fields, false)
	assert.True(t, f.ed.SaveAllPending(context.Background()))
	assert.False(t, f.ed.HasUnsavedChanges())
	assert.Empty(t, f.kv.Keys(), "snapshot cleared once everything is clean")
}

func TestEditor_IntervalCapture(t *testing.T) {
	f := newFixture(t, WithPolicy(scheduler.Policy{
		Debounce: 45 * time.Second, MaxAttempts: 1, BackoffBase: time.Second, BackoffMax: time.Second,
	}))
	require.NoError(t, f.ed.MarkSectionDirty(section.Distribution, payload.Payload{"mode": "round_robin"}))
	assert.Empty(t, f.kv.Keys())

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, []string{"pipeline_emergency_rec-1"}, f.kv.Keys())

	f.clock.Advance(15 * time.Second)
	assert.Equal(t, section.Clean, f.status(t, section.Distribution))
	assert.Empty(t, f.kv.Keys(), "a save that leaves everything clean clears the snapshot")

	f.clock.Advance(time.Minute)
	assert.Empty(t, f.kv.Keys(), "interval stops once nothing is unsaved")
	assert.Equal(t, 0, f.clock.Pending())
}

func TestEditor_RecoverAndRestoreAfterCrash(t *testing.T) {
	long := scheduler.Policy{Debounce: time.Hour, MaxAttempts: 1, BackoffBase: time.Second, BackoffMax: time.Second}
	f := newFixture(t, WithPolicy(long))

	_, err := f.ed.InsertStage(stage("Demo", 0), hintNone())
	require.NoError(t, err)
	require.NoError(t, f.ed.MarkSectionDirty(section.Basic, payload.Payload{"name": "Vendas"}))
	require.NoError(t, f.ed.MarkSectionDirty(section.Fields, payload.Payload{"fields": []any{}}))
	require.NoError(t, f.ed.Flush(context.Background(), section.Fields))
	_, err = f.ed.ChangeActiveSection(context.Background(), section.Stages)
	require.NoError(t, err)

	// Basic was flushed by the switch; make it dirty again.
	require.NoError(t, f.ed.MarkSectionDirty(section.Basic, payload.Payload{"name": "Vendas B2B"}))
	ok, err := f.ed.CaptureSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	next := f.open(t, WithPolicy(long))
	snap, err := next.RecoverFromSnapshot(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []section.Name{section.Basic, section.Stages}, snap.Names())

	require.NoError(t, next.RestoreSnapshot(snap))
	assert.Equal(t, section.Stages, next.ActiveSection())
	assert.Equal(t, []section.Name{section.Basic, section.Stages}, next.machine.Pending())
	st, err := next.Section(section.Basic)
	require.NoError(t, err)
	assert.Equal(t, "Vendas B2B", st.Payload["name"])
	assert.Equal(t, []string{"Lead", "Demo", "Won", "Lost"}, names(next.Stages()))
}

func TestEditor_RestoreRejectsForeignSnapshot(t *testing.T) {
	f := newFixture(t)
	err := f.ed.RestoreSnapshot(&snapshot.Snapshot{RecordID: "other", Sections: map[section.Name]payload.Payload{section.Basic: {}}})
	assert.Error(t, err)
	assert.NoError(t, f.ed.RestoreSnapshot(nil))
}

func TestEditor_CloseKeepsEarlierSnapshot(t *testing.T) {
	long := scheduler.Policy{Debounce: time.Hour, MaxAttempts: 1, BackoffBase: time.Second, BackoffMax: time.Second}
	f := newFixture(t, WithPolicy(long))
	require.NoError(t, f.ed.MarkSectionDirty(section.Basic, payload.Payload{"name": "Vendas"}))
	require.NoError(t, f.ed.Close(context.Background()))
	require.Equal(t, []string{"pipeline_emergency_rec-1"}, f.kv.Keys(), "close captures unsaved work")

	next := f.open(t, WithPolicy(long))
	require.NoError(t, next.Close(context.Background()))
	assert.Equal(t, []string{"pipeline_emergency_rec-1"}, f.kv.Keys(), "an idle session leaves the snapshot alone")
}

func TestEditor_DiscardSection(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ed.MarkSectionDirty(section.Motives, payload.Payload{"reasons": []any{"price"}}))
	require.NoError(t, f.ed.DiscardSection(section.Motives))
	f.clock.Advance(time.Minute)
	assert.Equal(t, 0, f.remote.callCount())
	assert.False(t, f.ed.HasUnsavedChanges())
}

func TestEditor_Mutate(t *testing.T) {
	f := newFixture(t)
	_, err := f.ed.Mutate(context.Background(), optimistic.Mutation{Key: "k"})
	assert.ErrorIs(t, err, ErrNoCoordinator)

	cache := optimistic.NewMemoryCache()
	coord := optimistic.NewCoordinator(cache,
		optimistic.RemoteFunc(func(context.Context, string, payload.Payload) error { return errors.New("offline") }),
		optimistic.WithLogger(quiet()), optimistic.WithNotifier(f.notes))
	ed := f.open(t, WithCoordinator(coord))
	require.NoError(t, cache.Write(context.Background(), "pipeline:rec-1", payload.Payload{"is_archived": false}))

	_, err = ed.SetArchived(context.Background(), "pipeline:rec-1", "Vendas", true)
	require.Error(t, err)
	v, _, _ := cache.Read(context.Background(), "pipeline:rec-1")
	assert.Equal(t, false, v["is_archived"], "rollback restores the observed value")
}

func TestEditor_Closed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ed.MarkSectionDirty(section.Basic, payload.Payload{"name": "x"}))
	require.NoError(t, f.ed.Close(context.Background()))
	assert.Equal(t, []string{"pipeline_emergency_rec-1"}, f.kv.Keys(), "close captures unsaved work")

	assert.ErrorIs(t, f.ed.MarkSectionDirty(section.Basic, payload.Payload{}), ErrClosed)
	_, err := f.ed.ChangeActiveSection(context.Background(), section.Stages)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.ed.InsertStage(stage("Demo", 0), hintNone())
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, f.ed.Close(context.Background()))
}

func TestNew_Validates(t *testing.T) {
	_, err := New("", newRemoteStore())
	assert.Error(t, err)
	_, err = New("rec", newRemoteStore(), WithPolicy(scheduler.Policy{MaxAttempts: 0}))
	assert.Error(t, err)
}
