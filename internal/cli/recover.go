package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	Apply bool
	Clear bool
}

// RecoverResult describes the snapshot found for a record and what was
// done with it.
type RecoverResult struct {
	Record        string         `json:"record"`
	CapturedAt    time.Time      `json:"captured_at"`
	ActiveSection section.Name   `json:"active_section,omitempty"`
	Sections      []section.Name `json:"sections"`
	Applied       bool           `json:"applied"`
	Saved         bool           `json:"saved"`
	Cleared       bool           `json:"cleared"`
	Notes         []notify.Note  `json:"notes,omitempty"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover [record]",
		Short: "Show or restore the emergency snapshot of a record",
		Long: `Look up the emergency snapshot left by an interrupted session.

Without flags the snapshot is only described. --apply marks every
recovered section dirty again and saves it; --clear discards the
snapshot without saving.

Exit codes:
  0 - Snapshot shown, applied or cleared
  1 - No snapshot, or the restored sections failed to save
  2 - Command error

Examples:
  pipelinectl recover rec-42
  pipelinectl recover rec-42 --apply
  pipelinectl recover rec-42 --clear`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "restore the snapshot and save it")
	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "discard the snapshot")
	cmd.MarkFlagsMutuallyExclusive("apply", "clear")

	return cmd
}

func runRecover(opts *RecoverOptions, args []string, cmd *cobra.Command) error {
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
	defer ed.Close(ctx)

	out := opts.formatter(cmd)
	snap, err := ed.RecoverFromSnapshot(ctx, record)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read snapshot", err)
	}
	if snap == nil {
		if err := out.Error(CodeNoSnapshot, fmt.Sprintf("no snapshot for record %s", record), nil); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("no snapshot for record %s", record))
	}

	result := RecoverResult{
		Record:        record,
		CapturedAt:    snap.CapturedAt.UTC(),
		ActiveSection: snap.ActiveSection,
		Sections:      snap.Names(),
	}
	switch {
	case opts.Clear:
		if err := e.snaps.Clear(ctx, record); err != nil {
			return WrapExitError(ExitCommandError, "failed to clear snapshot", err)
		}
		result.Cleared = true
	case opts.Apply:
		if err := ed.RestoreSnapshot(snap); err != nil {
			return WrapExitError(ExitCommandError, "failed to restore snapshot", err)
		}
		result.Applied = true
		// A full save clears the snapshot; a failed one recaptures it.
		result.Saved = ed.SaveAllPending(ctx)
		result.Notes = e.notes.Notes()
		if !result.Saved {
			if err := out.Error(CodeSaveFailed, "restored sections failed to save, snapshot kept", result); err != nil {
				return err
			}
			return NewExitError(ExitFailure, fmt.Sprintf("failed to save record %s", record))
		}
	}

	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Snapshot of record %s captured %s\n", record, result.CapturedAt.Format(time.RFC3339))
		if result.ActiveSection != "" {
			fmt.Fprintf(w, "  active section: %s\n", result.ActiveSection.DisplayName())
		}
		for _, n := range result.Sections {
			fmt.Fprintf(w, "  %s\t%s\n", n, n.DisplayName())
		}
		switch {
		case result.Cleared:
			fmt.Fprintln(w, "Snapshot cleared.")
		case result.Applied:
			fmt.Fprintln(w, "Snapshot restored and saved.")
		default:
			fmt.Fprintf(w, "Run \"pipelinectl recover %s --apply\" to restore it.\n", record)
		}
		printNotes(w, result.Notes)
	})
}
