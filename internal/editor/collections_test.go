package editor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/position"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

func stage(name string, pos int) position.Entity {
	return position.Entity{Name: name, Position: pos}
}

func task(name string, day, order int) position.Entity {
	return position.Entity{Name: name, Attrs: payload.Payload{
		position.AttrDayOffset: day,
		position.AttrTaskOrder: order,
	}}
}

func hintNone() position.Hint { return position.Hint{} }

func names(es []position.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Name
	}
	return out
}

func positions(es []position.Entity) []int {
	out := make([]int, len(es))
	for i, e := range es {
		out[i] = e.Position
	}
	return out
}

func loadXY(t *testing.T, ed *Editor) {
	t.Helper()
	require.NoError(t, ed.LoadStages(stage("X", 1), stage("Y", 2)))
	require.Equal(t, []string{"Lead", "X", "Y", "Won", "Lost"}, names(ed.Stages()))
}

func TestEditor_DeleteStageRenumbers(t *testing.T) {
	f := newFixture(t)
	loadXY(t, f.ed)
	assert.False(t, f.ed.HasUnsavedChanges(), "loading does not dirty anything")

	v, err := f.ed.DeleteStage("X")
	require.NoError(t, err)
	assert.True(t, v.CanDelete)

	got := f.ed.Stages()
	assert.Equal(t, []string{"Lead", "Y", "Won", "Lost"}, names(got))
	assert.Equal(t, []int{0, 1, 998, 999}, positions(got))
	assert.Equal(t, section.Dirty, f.status(t, section.Stages))
}

func TestEditor_InsertStageBetweenLeadAndFirst(t *testing.T) {
	f := newFixture(t)
	loadXY(t, f.ed)

	visual := []position.Entity{
		{Name: "Lead", Anchor: true},
		{Name: "Z"},
		{Name: "X"},
		{Name: "Y"},
		{Name: "Won", Anchor: true},
		{Name: "Lost", Anchor: true},
	}
	pl, err := f.ed.InsertStage(stage("Z", 0), position.Hint{Visual: visual})
	require.NoError(t, err)
	assert.Equal(t, 1, pl.Entity.Position)
	assert.Equal(t, position.RuleMatchedName, pl.Rule)

	got := f.ed.Stages()
	assert.Equal(t, []string{"Lead", "Z", "X", "Y", "Won", "Lost"}, names(got))
	assert.Equal(t, []int{0, 1, 2, 3, 998, 999}, positions(got))

	st, err := f.ed.Section(section.Stages)
	require.NoError(t, err)
	entities, err := position.EntitiesFromPayload(st.Payload)
	require.NoError(t, err)
	assert.Equal(t, names(got), names(entities), "the section payload carries the new order")
}

func TestEditor_DeleteStageRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ed.LoadStages(stage("Only", 1)))

	for _, ref := range []string{"Lead", "Won", "Lost"} {
		v, err := f.ed.DeleteStage(ref)
		require.Error(t, err, ref)
		assert.True(t, position.IsAnchorError(err), ref)
		assert.False(t, v.CanDelete)
		assert.Equal(t, position.SeverityHigh, v.Severity)
	}

	v, err := f.ed.DeleteStage("Only")
	assert.True(t, position.IsLastMovableError(err))
	assert.Equal(t, []string{"at least one stage must remain"}, v.BlockingReasons)

	_, err = f.ed.DeleteStage("Ghost")
	assert.True(t, position.IsNotFound(err))

	assert.Equal(t, []string{"Lead", "Only", "Won", "Lost"}, names(f.ed.Stages()))
	assert.Equal(t, section.Clean, f.status(t, section.Stages), "rejected deletes change nothing")
	assert.Equal(t, f.ed.CheckDeleteStage("Won"), rejectedVerdict(t, f.ed, "Won"))
}

// rejectedVerdict returns the verdict a delete attempt reports.
func rejectedVerdict(t *testing.T, ed *Editor, ref string) position.Verdict {
	t.Helper()
	v, err := ed.DeleteStage(ref)
	require.Error(t, err)
	return v
}

func TestEditor_MoveStage(t *testing.T) {
	f := newFixture(t)
	loadXY(t, f.ed)

	moved, err := f.ed.MoveStage("X", Up)
	require.NoError(t, err)
	assert.False(t, moved, "first movable stage cannot pass Lead")
	assert.Equal(t, section.Clean, f.status(t, section.Stages))

	moved, err = f.ed.MoveStage("X", Down)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, []string{"Lead", "Y", "X", "Won", "Lost"}, names(f.ed.Stages()))
	assert.Equal(t, section.Dirty, f.status(t, section.Stages))

	require.NoError(t, f.ed.MoveStageTo("X", 0))
	assert.Equal(t, []string{"Lead", "X", "Y", "Won", "Lost"}, names(f.ed.Stages()))

	_, err = f.ed.MoveStage("Won", Up)
	assert.True(t, position.IsAnchorError(err))
}

func TestEditor_TaskOps(t *testing.T) {
	f := newFixture(t)
	loadXY(t, f.ed)

	_, err := f.ed.InsertTask("X", task("Call", 2, 1), hintNone())
	require.NoError(t, err)
	_, err = f.ed.InsertTask("X", task("Email", 0, 1), hintNone())
	require.NoError(t, err)
	_, err = f.ed.InsertTask("X", task("WhatsApp", 0, 2), hintNone())
	require.NoError(t, err)
	assert.Equal(t, section.Dirty, f.status(t, section.Cadence))
	assert.Equal(t, section.Clean, f.status(t, section.Stages))
	assert.Equal(t, []string{"Call", "Email", "WhatsApp"}, names(f.ed.Tasks("X")))

	require.NoError(t, f.ed.ReorderStage("X"))
	assert.Equal(t, []string{"Email", "WhatsApp", "Call"}, names(f.ed.Tasks("X")))

	moved, err := f.ed.MoveTask("X", "Call", Up)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, []string{"Email", "Call", "WhatsApp"}, names(f.ed.Tasks("X")))

	_, err = f.ed.DeleteTask("X", "Email")
	require.NoError(t, err)
	assert.Equal(t, []string{"Call", "WhatsApp"}, names(f.ed.Tasks("X")))

	st, err := f.ed.Section(section.Cadence)
	require.NoError(t, err)
	raw, err := json.Marshal(st.Payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"stages":{"X":{"items":[`)

	_, err = f.ed.MoveTask("Y", "Call", Up)
	assert.True(t, position.IsNotFound(err), "stage without a cadence")
	_, err = f.ed.InsertTask("Nope", task("Call", 0, 1), hintNone())
	assert.True(t, position.IsNotFound(err))
}

func TestEditor_DeleteStageDropsCadence(t *testing.T) {
	f := newFixture(t)
	loadXY(t, f.ed)
	require.NoError(t, f.ed.LoadCadence("X", task("Call", 1, 1)))
	require.NotEmpty(t, f.ed.Tasks("X"))

	_, err := f.ed.DeleteStage("X")
	require.NoError(t, err)
	assert.Equal(t, section.Dirty, f.status(t, section.Stages))
	assert.Equal(t, section.Dirty, f.status(t, section.Cadence))
	assert.Nil(t, f.ed.Tasks("X"))

	st, err := f.ed.Section(section.Cadence)
	require.NoError(t, err)
	assert.Equal(t, payload.Payload{"stages": payload.Payload{}}, st.Payload)
}

func TestEditor_SameNameStagesAreBothKept(t *testing.T) {
	f := newFixture(t)
	loadXY(t, f.ed)

	_, err := f.ed.InsertStage(stage("Follow-up", 0), hintNone())
	require.NoError(t, err)
	_, err = f.ed.InsertStage(stage("Follow-up", 0), hintNone())
	require.NoError(t, err)

	assert.Equal(t, []string{"Lead", "X", "Y", "Follow-up", "Follow-up", "Won", "Lost"}, names(f.ed.Stages()))
}

func TestEditor_UpdateStageMovesCadence(t *testing.T) {
	f := newFixture(t)
	loadXY(t, f.ed)
	require.NoError(t, f.ed.LoadCadence("X", task("Call", 1, 1)))

	pl, err := f.ed.UpdateStage("X", stage("Discovery", 9))
	require.NoError(t, err)
	assert.True(t, pl.Replaced)
	assert.Equal(t, 1, pl.Entity.Position)
	assert.Equal(t, []string{"Lead", "Discovery", "Y", "Won", "Lost"}, names(f.ed.Stages()))

	assert.Equal(t, []string{"Call"}, names(f.ed.Tasks("Discovery")))
	assert.Equal(t, section.Dirty, f.status(t, section.Stages))
	assert.Equal(t, section.Dirty, f.status(t, section.Cadence))

	_, err = f.ed.UpdateStage("Won", stage("Closed", 0))
	assert.True(t, position.IsAnchorError(err))
}

func TestEditor_RestoreReloadsCadence(t *testing.T) {
	f := newFixture(t)
	loadXY(t, f.ed)
	_, err := f.ed.InsertTask("Y", task("Visit", 3, 1), hintNone())
	require.NoError(t, err)
	ok, err := f.ed.CaptureSnapshot(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	next := f.open(t)
	require.NoError(t, next.LoadStages(stage("X", 1), stage("Y", 2)))
	snap, err := next.RecoverFromSnapshot(t.Context(), "rec-1")
	require.NoError(t, err)
	require.NoError(t, next.RestoreSnapshot(snap))
	assert.Equal(t, []string{"Visit"}, names(next.Tasks("Y")))
	assert.Equal(t, section.Dirty, next.machine.States()[4].Status)
}
