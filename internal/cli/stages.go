package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/carlosandia/crm-renove-sub007/internal/definition"
	"github.com/carlosandia/crm-renove-sub007/internal/editor"
	"github.com/carlosandia/crm-renove-sub007/internal/position"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// StagesOptions holds flags for the stages command.
type StagesOptions struct {
	*RootOptions
	Check  string
	Delete string
	Insert string
	At     int
	Up     string
	Down   string
	Save   string
}

// StagesResult is the stage ordering after the requested operation.
type StagesResult struct {
	Pipeline  string              `json:"pipeline"`
	Op        string              `json:"op,omitempty"`
	Stage     string              `json:"stage,omitempty"`
	Verdict   *position.Verdict   `json:"verdict,omitempty"`
	Placement *position.Placement `json:"placement,omitempty"`
	Moved     *bool               `json:"moved,omitempty"`
	Stages    []position.Entity   `json:"stages"`
	Record    string              `json:"record,omitempty"`
	Saved     bool                `json:"saved,omitempty"`
}

// stageEditor is the part of the editor the command drives. A dry run
// uses the bare collection instead.
type stageEditor interface {
	Stages() []position.Entity
	InsertStage(s position.Entity, hint position.Hint) (position.Placement, error)
	MoveStage(ref string, dir editor.Direction) (bool, error)
	CheckDeleteStage(ref string) position.Verdict
	DeleteStage(ref string) (position.Verdict, error)
}

type collectionEditor struct{ c *position.Collection }

func (c collectionEditor) Stages() []position.Entity { return c.c.Items() }

func (c collectionEditor) InsertStage(s position.Entity, hint position.Hint) (position.Placement, error) {
	return c.c.Insert(s, hint)
}

func (c collectionEditor) MoveStage(ref string, dir editor.Direction) (bool, error) {
	if dir == editor.Up {
		return c.c.MoveUp(ref)
	}
	return c.c.MoveDown(ref)
}

func (c collectionEditor) CheckDeleteStage(ref string) position.Verdict { return c.c.CheckDelete(ref) }

func (c collectionEditor) DeleteStage(ref string) (position.Verdict, error) { return c.c.Delete(ref) }

// NewStagesCommand creates the stages command.
func NewStagesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StagesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stages <definition.cue>",
		Short: "Show and edit the stage ordering of a pipeline definition",
		Long: `Load a CUE pipeline definition and print its stages, Lead first and
Won and Lost last.

At most one operation may be given. Without --save the operation is a
dry run; with --save the result is loaded into the record's editor and
saved as its Etapas section.

Exit codes:
  0 - Success
  1 - Operation rejected (anchor, last stage, unknown stage) or save failed
  2 - Command error (invalid definition, bad flags)

Examples:
  pipelinectl stages vendas.cue
  pipelinectl stages vendas.cue --check Demo
  pipelinectl stages vendas.cue --insert Proposal --at 2 --save rec-42
  pipelinectl stages vendas.cue --up Demo`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Check, "check", "", "run the deletion guard for a stage")
	cmd.Flags().StringVar(&opts.Delete, "delete", "", "delete a stage")
	cmd.Flags().StringVar(&opts.Insert, "insert", "", "insert a stage with this name")
	cmd.Flags().IntVar(&opts.At, "at", 0, "1-based position for --insert (default: append)")
	cmd.Flags().StringVar(&opts.Up, "up", "", "move a stage one step up")
	cmd.Flags().StringVar(&opts.Down, "down", "", "move a stage one step down")
	cmd.Flags().StringVar(&opts.Save, "save", "", "save the result to this record")
	cmd.MarkFlagsMutuallyExclusive("check", "delete", "insert", "up", "down")

	return cmd
}

func runStages(opts *StagesOptions, path string, cmd *cobra.Command) error {
	if opts.At < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--at must be 1 or more, got %d", opts.At))
	}
	def, err := definition.LoadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid definition", err)
	}
	stages, _, err := def.Build()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid definition", err)
	}

	var (
		target stageEditor = collectionEditor{stages}
		ed     *editor.Editor
	)
	ctx := commandContext(cmd)
	if opts.Save != "" {
		e, err := openEnv(ctx, opts.RootOptions)
		if err != nil {
			return err
		}
		defer e.Close()
		ed, err = e.newEditor(opts.Save, e.notifier())
		if err != nil {
			return err
		}
		defer ed.Close(ctx)
		if err := loadDefinition(ed, def); err != nil {
			return WrapExitError(ExitCommandError, "invalid definition", err)
		}
		target = ed
	}

	result := StagesResult{Pipeline: def.Name}
	opErr := applyStageOp(opts, target, &result)
	result.Stages = target.Stages()

	out := opts.formatter(cmd)
	if opErr != nil {
		if !position.IsValidationError(opErr) {
			return WrapExitError(ExitCommandError, "stage operation failed", opErr)
		}
		if err := out.Error(CodeRejected, opErr.Error(), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%s %q rejected", result.Op, result.Stage))
	}
	if result.Verdict != nil && !result.Verdict.CanDelete {
		if err := out.Error(CodeRejected, fmt.Sprintf("stage %q cannot be deleted", result.Stage), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("delete %q rejected", result.Stage))
	}

	if ed != nil {
		result.Record = opts.Save
		if result.Op == "" || result.Op == "check" {
			p, err := stages.Payload()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to encode stages", err)
			}
			if err := ed.MarkSectionDirty(section.Stages, p); err != nil {
				return WrapExitError(ExitCommandError, "failed to mark stages", err)
			}
		}
		result.Saved = ed.SaveAllPending(ctx)
		if !result.Saved {
			if err := out.Error(CodeSaveFailed, "save failed, changes preserved locally", result); err != nil {
				return err
			}
			return NewExitError(ExitFailure, fmt.Sprintf("failed to save record %s", opts.Save))
		}
	}

	return out.Success(result, func(w io.Writer) { printStages(w, result) })
}

// loadDefinition seeds the editor with the definition's stages and
// cadences without marking anything dirty.
func loadDefinition(ed *editor.Editor, def *definition.Definition) error {
	if err := ed.LoadStages(def.StageEntities()...); err != nil {
		return err
	}
	for ref := range def.Cadence {
		if err := ed.LoadCadence(ref, def.TaskEntities(ref)...); err != nil {
			return err
		}
	}
	return nil
}

func applyStageOp(opts *StagesOptions, target stageEditor, result *StagesResult) error {
	switch {
	case opts.Check != "":
		result.Op, result.Stage = "check", opts.Check
		v := target.CheckDeleteStage(opts.Check)
		result.Verdict = &v
	case opts.Delete != "":
		result.Op, result.Stage = "delete", opts.Delete
		v, err := target.DeleteStage(opts.Delete)
		result.Verdict = &v
		if err != nil && !position.IsValidationError(err) {
			return err
		}
	case opts.Insert != "":
		result.Op, result.Stage = "insert", opts.Insert
		pl, err := target.InsertStage(position.Entity{Name: opts.Insert, Position: opts.At}, position.Hint{})
		if err != nil {
			return err
		}
		result.Placement = &pl
	case opts.Up != "", opts.Down != "":
		dir, ref := editor.Up, opts.Up
		result.Op = "up"
		if opts.Down != "" {
			dir, ref = editor.Down, opts.Down
			result.Op = "down"
		}
		result.Stage = ref
		moved, err := target.MoveStage(ref, dir)
		if err != nil {
			return err
		}
		result.Moved = &moved
	}
	return nil
}

func printStages(w io.Writer, r StagesResult) {
	fmt.Fprintf(w, "Pipeline %s\n", r.Pipeline)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range r.Stages {
		kind := ""
		if s.Anchor {
			kind = "anchor"
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\n", s.Position, s.Name, kind)
	}
	tw.Flush()

	switch {
	case r.Verdict != nil:
		state := "allowed"
		if !r.Verdict.CanDelete {
			state = "blocked"
		}
		fmt.Fprintf(w, "Delete %q: %s (severity %s)\n", r.Stage, state, r.Verdict.Severity)
		for _, reason := range r.Verdict.BlockingReasons {
			fmt.Fprintf(w, "  ✗ %s\n", reason)
		}
		for _, warning := range r.Verdict.Warnings {
			fmt.Fprintf(w, "  ! %s\n", warning)
		}
	case r.Placement != nil:
		verb := "Inserted"
		if r.Placement.Replaced {
			verb = "Updated"
		}
		fmt.Fprintf(w, "%s %q at position %d (%s)\n", verb, r.Placement.Entity.Name, r.Placement.Entity.Position, r.Placement.Rule)
	case r.Moved != nil:
		if *r.Moved {
			fmt.Fprintf(w, "Moved %q %s\n", r.Stage, r.Op)
		} else {
			end := "top"
			if r.Op == "down" {
				end = "bottom"
			}
			fmt.Fprintf(w, "%q is already at the %s\n", r.Stage, end)
		}
	}
	if r.Record != "" {
		fmt.Fprintf(w, "Record %s saved\n", r.Record)
	}
}
