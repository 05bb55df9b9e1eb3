package section

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

type recorder struct {
	mu sync.Mutex
	ts []Transition
}

func (r *recorder) observe(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ts = append(r.ts, t)
}

func (r *recorder) statuses(n Name) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, t := range r.ts {
		if t.Section != n {
			continue
		}
		if len(out) == 0 {
			out = append(out, t.From)
		}
		out = append(out, t.To)
	}
	return out
}

func newMachine(t *testing.T) (*Machine, *recorder) {
	t.Helper()
	rec := &recorder{}
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMachine(WithNow(func() time.Time { return fixed }), WithObserver(rec.observe))
	return m, rec
}

func TestMachine_HappyPath(t *testing.T) {
	m, rec := newMachine(t)

	edit, err := m.MarkDirty(Basic, payload.Payload{"name": "Vendas"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), edit.Revision)
	assert.False(t, edit.Buffered)

	a, ok, err := m.BeginSave(Basic)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, a.Number)
	assert.Equal(t, "Vendas", a.Payload["name"])

	out, err := m.Complete(Basic)
	require.NoError(t, err)
	assert.False(t, out.Rearm)
	assert.Equal(t, Clean, out.State.Status)
	assert.Equal(t, 0, out.State.ConsecutiveFailures)
	assert.False(t, out.State.LastSavedAt.IsZero())

	assert.Equal(t, []Status{Clean, Dirty, Saving, Clean}, rec.statuses(Basic))
	assert.True(t, m.AllClean())
}

func TestMachine_SinglePendingSave(t *testing.T) {
	m, _ := newMachine(t)
	_, err := m.MarkDirty(Stages, payload.Payload{"v": 1})
	require.NoError(t, err)

	_, ok, err := m.BeginSave(Stages)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.BeginSave(Stages)
	require.NoError(t, err)
	assert.False(t, ok, "second save must not start while one is in flight")
}

func TestMachine_EditDuringSaveIsBuffered(t *testing.T) {
	m, rec := newMachine(t)
	_, err := m.MarkDirty(Fields, payload.Payload{"v": 1})
	require.NoError(t, err)
	a, _, err := m.BeginSave(Fields)
	require.NoError(t, err)

	edit, err := m.MarkDirty(Fields, payload.Payload{"v": 2})
	require.NoError(t, err)
	assert.True(t, edit.Buffered)

	st, err := m.Get(Fields)
	require.NoError(t, err)
	assert.Equal(t, Saving, st.Status)
	assert.Equal(t, 2, st.Payload["v"])
	assert.Equal(t, 1, a.Payload["v"], "in-flight attempt keeps its payload")

	retry, err := m.Retry(Fields)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Payload["v"])

	out, err := m.Complete(Fields)
	require.NoError(t, err)
	assert.True(t, out.Rearm)
	assert.Equal(t, Dirty, out.State.Status)
	assert.Equal(t, 2, out.State.Payload["v"])
	assert.Equal(t, []Status{Clean, Dirty, Saving, Saving, Dirty}, rec.statuses(Fields))
}

func TestMachine_ExhaustedRetriesKeepPayload(t *testing.T) {
	m, rec := newMachine(t)
	_, err := m.MarkDirty(Cadence, payload.Payload{"tasks": []any{"a"}})
	require.NoError(t, err)
	_, err = m.MarkDirty(Cadence, payload.Payload{"tasks": []any{"a", "b"}})
	require.NoError(t, err)

	_, _, err = m.BeginSave(Cadence)
	require.NoError(t, err)
	cause := errors.New("503")
	for i := 0; i < 3; i++ {
		if i > 0 {
			_, err = m.Retry(Cadence)
			require.NoError(t, err)
		}
		_, err = m.RecordFailure(Cadence, cause)
		require.NoError(t, err)
	}
	out, err := m.Fail(Cadence)
	require.NoError(t, err)

	assert.False(t, out.Rearm)
	assert.Equal(t, Error, out.State.Status)
	assert.Equal(t, 3, out.State.ConsecutiveFailures)
	assert.Equal(t, 3, out.State.Attempts)
	assert.Equal(t, "503", out.State.LastError)
	assert.True(t, payload.Payload{"tasks": []any{"a", "b"}}.Equal(out.State.Payload))
	assert.Equal(t, []Status{Clean, Dirty, Saving, Saving, Saving, Error}, rec.statuses(Cadence))
	assert.Equal(t, []Name{Cadence}, m.Pending())

	// manual retry from Error goes straight back to Saving
	_, ok, err := m.BeginSave(Cadence)
	require.NoError(t, err)
	assert.True(t, ok)
	out, err = m.Complete(Cadence)
	require.NoError(t, err)
	assert.Equal(t, 0, out.State.ConsecutiveFailures)
}

func TestMachine_EditAfterErrorReentersDirty(t *testing.T) {
	m, _ := newMachine(t)
	_, _ = m.MarkDirty(Motives, payload.Payload{"v": 1})
	_, _, _ = m.BeginSave(Motives)
	_, err := m.Fail(Motives)
	require.NoError(t, err)

	_, err = m.MarkDirty(Motives, payload.Payload{"v": 2})
	require.NoError(t, err)
	st, _ := m.Get(Motives)
	assert.Equal(t, Dirty, st.Status)
}

func TestMachine_FailKeepsBufferedEditInError(t *testing.T) {
	m, _ := newMachine(t)
	_, _ = m.MarkDirty(Distribution, payload.Payload{"v": 1})
	_, _, _ = m.BeginSave(Distribution)
	_, _ = m.MarkDirty(Distribution, payload.Payload{"v": 2})

	out, err := m.Fail(Distribution)
	require.NoError(t, err)
	assert.True(t, out.Rearm)
	assert.Equal(t, Error, out.State.Status, "exhausted retries always surface")
	assert.Equal(t, 2, out.State.Payload["v"])

	a, ok, err := m.BeginSave(Distribution)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, a.Number, "the newer revision gets a fresh budget")
	assert.Equal(t, 2, a.Payload["v"])
}

func TestMachine_SkipsEditEqualToSaved(t *testing.T) {
	m, rec := newMachine(t)
	_, _ = m.MarkDirty(Qualification, payload.Payload{"rules": []any{}})
	_, _, _ = m.BeginSave(Qualification)
	_, err := m.Complete(Qualification)
	require.NoError(t, err)

	edit, err := m.MarkDirty(Qualification, payload.Payload{"rules": []any{}})
	require.NoError(t, err)
	assert.True(t, edit.Skipped)
	assert.True(t, m.AllClean())
	assert.Len(t, rec.statuses(Qualification), 4)
}

func TestMachine_PayloadIsCopied(t *testing.T) {
	m, _ := newMachine(t)
	p := payload.Payload{"name": "before"}
	_, err := m.MarkDirty(Basic, p)
	require.NoError(t, err)
	p["name"] = "after"

	st, _ := m.Get(Basic)
	assert.Equal(t, "before", st.Payload["name"])
}

func TestMachine_InvalidTransitions(t *testing.T) {
	m, _ := newMachine(t)

	_, err := m.Complete(Basic)
	assert.True(t, IsTransitionError(err))
	_, err = m.Fail(Basic)
	assert.True(t, IsTransitionError(err))
	_, err = m.Retry(Basic)
	assert.True(t, IsTransitionError(err))
	_, err = m.RecordFailure(Basic, nil)
	assert.True(t, IsTransitionError(err))

	_, ok, err := m.BeginSave(Basic)
	require.NoError(t, err)
	assert.False(t, ok, "nothing to save on a clean section")

	_, err = m.MarkDirty(Name("pricing"), nil)
	assert.ErrorIs(t, err, ErrUnknownSection)
}

func TestMachine_Discard(t *testing.T) {
	m, _ := newMachine(t)
	_, _ = m.MarkDirty(Fields, payload.Payload{"v": 1})
	_, _, _ = m.BeginSave(Fields)
	assert.ErrorIs(t, m.Discard(Fields), ErrSaveInFlight)

	_, _ = m.Fail(Fields)
	require.NoError(t, m.Discard(Fields))
	st, _ := m.Get(Fields)
	assert.Equal(t, Clean, st.Status)
	assert.Nil(t, st.Payload)
	assert.True(t, m.AllClean())
}

func TestMachine_StatesInTabOrder(t *testing.T) {
	m, _ := newMachine(t)
	states := m.States()
	require.Len(t, states, 7)
	for i, n := range All() {
		assert.Equal(t, n, states[i].Name)
		assert.Equal(t, Clean, states[i].Status)
	}
}

func TestMachine_ConcurrentEdits(t *testing.T) {
	m, _ := newMachine(t)
	var wg sync.WaitGroup
	for _, n := range All() {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(n Name, i int) {
				defer wg.Done()
				_, err := m.MarkDirty(n, payload.Payload{"i": i})
				assert.NoError(t, err)
			}(n, i)
		}
	}
	wg.Wait()

	for _, st := range m.States() {
		assert.Equal(t, Dirty, st.Status)
		assert.Equal(t, uint64(50), st.Revision)
	}
}
