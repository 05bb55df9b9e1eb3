package editor

import (
	"fmt"
	"maps"
	"slices"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/position"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// Direction is a one-step move.
type Direction int

const (
	Up Direction = iota
	Down
)

// cadenceKey is the payload key holding per-stage task lists.
const cadenceKey = "stages"

func stageKey(s position.Entity) string {
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}

// LoadStages replaces the stage collection without marking anything
// dirty. Missing Lead, Won and Lost anchors are added.
func (e *Editor) LoadStages(entities ...position.Entity) error {
	c, err := position.NewStages(entities...)
	if err != nil {
		return fmt.Errorf("load stages: %w", err)
	}
	e.structMu.Lock()
	e.stages = c
	e.structMu.Unlock()
	return nil
}

// LoadCadence replaces one stage's task list without marking anything
// dirty.
func (e *Editor) LoadCadence(stageRef string, tasks ...position.Entity) error {
	c, err := position.NewTasks(tasks...)
	if err != nil {
		return fmt.Errorf("load cadence: %w", err)
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()
	key, err := e.stageKeyLocked(stageRef)
	if err != nil {
		return fmt.Errorf("load cadence: %w", err)
	}
	e.cadences[key] = c
	return nil
}

// Stages returns the stage ordering, anchors included.
func (e *Editor) Stages() []position.Entity {
	e.structMu.Lock()
	defer e.structMu.Unlock()
	return e.stages.Items()
}

// Tasks returns one stage's cadence in order, or nil if it has none.
func (e *Editor) Tasks(stageRef string) []position.Entity {
	e.structMu.Lock()
	defer e.structMu.Unlock()
	key, err := e.stageKeyLocked(stageRef)
	if err != nil {
		return nil
	}
	if c, ok := e.cadences[key]; ok {
		return c.Items()
	}
	return nil
}

// InsertStage places a stage and marks the stages section dirty.
func (e *Editor) InsertStage(s position.Entity, hint position.Hint) (position.Placement, error) {
	if e.isClosed() {
		return position.Placement{}, ErrClosed
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()

	pl, err := e.stages.Insert(s, hint)
	if err != nil {
		return pl, fmt.Errorf("insert stage: %w", err)
	}
	return pl, e.markStagesLocked()
}

// MoveStage moves a stage one step. It returns false at the boundary.
func (e *Editor) MoveStage(ref string, dir Direction) (bool, error) {
	if e.isClosed() {
		return false, ErrClosed
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()

	moved, err := move(e.stages, ref, dir)
	if err != nil || !moved {
		return false, wrap("move stage", err)
	}
	return true, e.markStagesLocked()
}

// MoveStageTo drags a stage to a 0-based slot among movable stages.
func (e *Editor) MoveStageTo(ref string, index int) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()

	if err := e.stages.MoveTo(ref, index); err != nil {
		return fmt.Errorf("move stage: %w", err)
	}
	return e.markStagesLocked()
}

// UpdateStage edits a stage in place, keeping its slot, and marks the
// stages section dirty. A cadence keyed by the old name follows a rename.
func (e *Editor) UpdateStage(ref string, s position.Entity) (position.Placement, error) {
	if e.isClosed() {
		return position.Placement{}, ErrClosed
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()

	oldKey, _ := e.stageKeyLocked(ref)
	pl, err := e.stages.Update(ref, s)
	if err != nil {
		return pl, fmt.Errorf("update stage: %w", err)
	}
	if err := e.markStagesLocked(); err != nil {
		return pl, err
	}
	newKey := stageKey(pl.Entity)
	if c, ok := e.cadences[oldKey]; ok && newKey != oldKey {
		delete(e.cadences, oldKey)
		e.cadences[newKey] = c
		return pl, e.markCadenceLocked()
	}
	return pl, nil
}

// CheckDeleteStage runs the deletion guard without deleting.
func (e *Editor) CheckDeleteStage(ref string) position.Verdict {
	e.structMu.Lock()
	defer e.structMu.Unlock()
	return e.stages.CheckDelete(ref)
}

// DeleteStage removes a stage after the deletion guard approves. Its
// cadence goes with it.
func (e *Editor) DeleteStage(ref string) (position.Verdict, error) {
	if e.isClosed() {
		return position.Verdict{}, ErrClosed
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()

	key := ""
	if s, ok := e.stages.Find(ref); ok {
		key = stageKey(s)
	}
	v, err := e.stages.Delete(ref)
	if err != nil {
		return v, fmt.Errorf("delete stage: %w", err)
	}
	if err := e.markStagesLocked(); err != nil {
		return v, err
	}
	if _, ok := e.cadences[key]; ok {
		delete(e.cadences, key)
		return v, e.markCadenceLocked()
	}
	return v, nil
}

// InsertTask places a cadence task under a stage, creating the stage's
// cadence if needed, and marks the cadence section dirty.
func (e *Editor) InsertTask(stageRef string, t position.Entity, hint position.Hint) (position.Placement, error) {
	if e.isClosed() {
		return position.Placement{}, ErrClosed
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()

	c, err := e.cadenceLocked(stageRef, true)
	if err != nil {
		return position.Placement{}, fmt.Errorf("insert task: %w", err)
	}
	pl, err := c.Insert(t, hint)
	if err != nil {
		return pl, fmt.Errorf("insert task: %w", err)
	}
	return pl, e.markCadenceLocked()
}

// MoveTask moves a task one step within its stage.
func (e *Editor) MoveTask(stageRef, ref string, dir Direction) (bool, error) {
	if e.isClosed() {
		return false, ErrClosed
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()

	c, err := e.cadenceLocked(stageRef, false)
	if err != nil {
		return false, fmt.Errorf("move task: %w", err)
	}
	moved, err := move(c, ref, dir)
	if err != nil || !moved {
		return false, wrap("move task", err)
	}
	return true, e.markCadenceLocked()
}

// DeleteTask removes a task after the deletion guard approves.
func (e *Editor) DeleteTask(stageRef, ref string) (position.Verdict, error) {
	if e.isClosed() {
		return position.Verdict{}, ErrClosed
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()

	c, err := e.cadenceLocked(stageRef, false)
	if err != nil {
		return position.Verdict{}, fmt.Errorf("delete task: %w", err)
	}
	v, err := c.Delete(ref)
	if err != nil {
		return v, fmt.Errorf("delete task: %w", err)
	}
	return v, e.markCadenceLocked()
}

// ReorderStage sorts a stage's cadence by day offset and renumbers the
// task order within each day.
func (e *Editor) ReorderStage(stageRef string) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()

	c, err := e.cadenceLocked(stageRef, false)
	if err != nil {
		return fmt.Errorf("reorder stage: %w", err)
	}
	c.ReorderByDay()
	return e.markCadenceLocked()
}

func move(c *position.Collection, ref string, dir Direction) (bool, error) {
	if dir == Up {
		return c.MoveUp(ref)
	}
	return c.MoveDown(ref)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// stageKeyLocked resolves a stage reference to its cadence key. Callers
// hold structMu.
func (e *Editor) stageKeyLocked(ref string) (string, error) {
	s, ok := e.stages.Find(ref)
	if !ok {
		return "", position.NotFoundError("stage", ref)
	}
	return stageKey(s), nil
}

func (e *Editor) cadenceLocked(stageRef string, create bool) (*position.Collection, error) {
	key, err := e.stageKeyLocked(stageRef)
	if err != nil {
		return nil, err
	}
	c, ok := e.cadences[key]
	if ok {
		return c, nil
	}
	if !create {
		return nil, position.NotFoundError("cadence for stage", stageRef)
	}
	c, err = position.NewTasks()
	if err != nil {
		return nil, err
	}
	e.cadences[key] = c
	return c, nil
}

func (e *Editor) markStagesLocked() error {
	p, err := e.stages.Payload()
	if err != nil {
		return err
	}
	return e.MarkSectionDirty(section.Stages, p)
}

func (e *Editor) markCadenceLocked() error {
	p, err := e.cadencePayloadLocked()
	if err != nil {
		return err
	}
	return e.MarkSectionDirty(section.Cadence, p)
}

// cadencePayloadLocked encodes every stage's tasks as
// {"stages": {"<stage>": {"items": [...]}}}.
func (e *Editor) cadencePayloadLocked() (payload.Payload, error) {
	byStage := make(payload.Payload, len(e.cadences))
	for _, key := range slices.Sorted(maps.Keys(e.cadences)) {
		p, err := e.cadences[key].Payload()
		if err != nil {
			return nil, err
		}
		byStage[key] = p
	}
	return payload.Payload{cadenceKey: byStage}, nil
}

func (e *Editor) loadStagesPayload(p payload.Payload) error {
	entities, err := position.EntitiesFromPayload(p)
	if err != nil {
		return err
	}
	return e.LoadStages(entities...)
}

func (e *Editor) loadCadencePayload(p payload.Payload) error {
	raw, ok := p[cadenceKey]
	if !ok {
		return nil
	}
	var byStage map[string]any
	switch v := raw.(type) {
	case payload.Payload:
		byStage = v
	case map[string]any:
		byStage = v
	default:
		return fmt.Errorf("cadence payload: %q is %T, want object", cadenceKey, raw)
	}

	cadences := make(map[string]*position.Collection, len(byStage))
	for key, body := range byStage {
		var bp payload.Payload
		switch v := body.(type) {
		case payload.Payload:
			bp = v
		case map[string]any:
			bp = v
		default:
			return fmt.Errorf("cadence payload: stage %q is %T, want object", key, body)
		}
		tasks, err := position.EntitiesFromPayload(bp)
		if err != nil {
			return err
		}
		c, err := position.NewTasks(tasks...)
		if err != nil {
			return fmt.Errorf("cadence payload: stage %q: %w", key, err)
		}
		cadences[key] = c
	}
	e.structMu.Lock()
	e.cadences = cadences
	e.structMu.Unlock()
	return nil
}
