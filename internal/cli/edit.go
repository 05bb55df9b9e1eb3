package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	Section string
	File    string
}

// EditResult is the output of the edit command.
type EditResult struct {
	Record   string        `json:"record"`
	Saved    bool          `json:"saved"`
	Sections []sectionView `json:"sections"`
	Notes    []notify.Note `json:"notes,omitempty"`
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit [record]",
		Short: "Save one section from a JSON file",
		Long: `Mark a section dirty with the JSON object in --file and save every
pending section.

If the save fails after all retries the edit is kept in an emergency
snapshot; recover it with "pipelinectl recover".

Exit codes:
  0 - Saved
  1 - Save failed, changes preserved locally
  2 - Command error

Examples:
  pipelinectl edit rec-42 --section basic --file basic.json
  cat stages.json | pipelinectl edit rec-42 --section stages --file -`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Section, "section", "s", "", "section to edit (required)")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", `JSON payload file, "-" for stdin (required)`)
	_ = cmd.MarkFlagRequired("section")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runEdit(opts *EditOptions, args []string, cmd *cobra.Command) error {
	n := section.Name(opts.Section)
	if !n.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown section %q: must be one of %v", opts.Section, section.All()))
	}
	p, err := readPayload(cmd, opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read payload", err)
	}

	ctx := commandContext(cmd)
	e, err := openEnv(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	record, err := e.recordID(args)
	if err != nil {
		return err
	}
	ed, err := e.newEditor(record, e.notifier())
	if err != nil {
		return err
	}
	if err := ed.MarkSectionDirty(n, p); err != nil {
		_ = ed.Close(ctx)
		return WrapExitError(ExitCommandError, "failed to apply edit", err)
	}
	saved := ed.SaveAllPending(ctx)
	result := EditResult{
		Record:   record,
		Saved:    saved,
		Sections: sectionViews(ed.Sections()),
	}
	// Close captures a snapshot of anything still unsaved.
	if err := ed.Close(ctx); err != nil {
		e.logger.Warn("close editor", "error", err)
	}
	result.Notes = e.notes.Notes()

	out := opts.formatter(cmd)
	if !saved {
		if err := out.Error(CodeSaveFailed, "save failed, changes preserved locally", result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("failed to save record %s", record))
	}
	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Record %s saved\n", record)
		printSections(w, result.Sections)
		printNotes(w, result.Notes)
	})
}

func readPayload(cmd *cobra.Command, path string) (payload.Payload, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return payload.Decode(data)
}
