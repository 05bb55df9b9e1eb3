// Package definition loads a pipeline definition written in CUE and turns
// it into stage and cadence collections.
//
// A definition file declares a top-level pipeline value checked against
// the embedded #Pipeline schema:
//
//	pipeline: {
//		name: "Vendas"
//		stages: [{name: "Qualified"}, {name: "Demo"}]
//		cadence: Demo: [{name: "Call", day_offset: 1}]
//	}
//
// The Lead, Won and Lost anchors are added when absent.
package definition

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/position"
)

//go:embed schema.cue
var schemaSrc string

// Stage is one stage as written in the definition.
type Stage struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Position int    `json:"position,omitempty"`
	Anchor   bool   `json:"anchor,omitempty"`
	Color    string `json:"color,omitempty"`
}

// Task is one cadence task as written in the definition.
type Task struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	DayOffset int    `json:"day_offset"`
	TaskOrder int    `json:"task_order,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Template  string `json:"template,omitempty"`
}

// Definition is a decoded pipeline definition.
type Definition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Stages      []Stage           `json:"stages"`
	Cadence     map[string][]Task `json:"cadence,omitempty"`
}

// Error is a definition problem, with the CUE source position when known.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadFile reads and validates a definition file.
func LoadFile(path string) (*Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	return Parse(path, src)
}

// Parse validates src against #Pipeline and decodes it. filename is used
// in error positions.
func Parse(filename string, src []byte) (*Definition, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	file := ctx.CompileBytes(src, cue.Filename(filename))
	if err := file.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	raw := file.LookupPath(cue.ParsePath("pipeline"))
	if !raw.Exists() {
		return nil, &Error{Field: "pipeline", Message: "pipeline is required", Pos: file.Pos()}
	}

	v := schema.LookupPath(cue.ParsePath("#Pipeline")).Unify(raw)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var def Definition
	if err := v.Decode(&def); err != nil {
		return nil, formatCUEError(err)
	}
	if err := def.check(); err != nil {
		return nil, err
	}
	return &def, nil
}

// check enforces rules the schema cannot express.
func (d *Definition) check() error {
	names := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		names[s.Name] = true
		if s.ID != "" {
			names[s.ID] = true
		}
	}
	for _, a := range position.Anchors() {
		names[a.Name] = true
	}
	for ref := range d.Cadence {
		if !names[ref] {
			return &Error{Field: "cadence." + ref, Message: fmt.Sprintf("no stage named %q", ref)}
		}
	}
	return nil
}

// StageEntities returns the stages as entities. A stage without a
// position takes its list order.
func (d *Definition) StageEntities() []position.Entity {
	out := make([]position.Entity, 0, len(d.Stages))
	for i, s := range d.Stages {
		e := position.Entity{ID: s.ID, Name: s.Name, Position: s.Position, Anchor: s.Anchor}
		if e.Position == 0 && !e.Anchor {
			e.Position = i + 1
		}
		if s.Color != "" {
			e.Attrs = payload.Payload{"color": s.Color}
		}
		out = append(out, e)
	}
	return out
}

// TaskEntities returns one stage's cadence as entities in list order.
func (d *Definition) TaskEntities(stageRef string) []position.Entity {
	tasks := d.Cadence[stageRef]
	out := make([]position.Entity, 0, len(tasks))
	for i, t := range tasks {
		attrs := payload.Payload{position.AttrDayOffset: t.DayOffset}
		if t.TaskOrder > 0 {
			attrs[position.AttrTaskOrder] = t.TaskOrder
		}
		if t.Channel != "" {
			attrs["channel"] = t.Channel
		}
		if t.Template != "" {
			attrs["template"] = t.Template
		}
		out = append(out, position.Entity{ID: t.ID, Name: t.Name, Position: i + 1, Attrs: attrs})
	}
	return out
}

// Build returns the stage collection and one cadence collection per
// stage key, each ordered by day.
func (d *Definition) Build() (*position.Collection, map[string]*position.Collection, error) {
	stages, err := position.NewStages(d.StageEntities()...)
	if err != nil {
		return nil, nil, fmt.Errorf("build stages: %w", err)
	}
	cadences := make(map[string]*position.Collection, len(d.Cadence))
	for ref := range d.Cadence {
		c, err := position.NewTasks(d.TaskEntities(ref)...)
		if err != nil {
			return nil, nil, fmt.Errorf("build cadence %s: %w", ref, err)
		}
		c.ReorderByDay()
		cadences[ref] = c
	}
	return stages, cadences, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &Error{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return &Error{Field: "cue", Message: first.Error()}
}
