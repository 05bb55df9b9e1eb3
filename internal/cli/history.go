package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Section string
}

// HistoryEntry is one save of a section.
type HistoryEntry struct {
	Seq     int64        `json:"seq"`
	Section section.Name `json:"section"`
	Hash    string       `json:"hash"`
	SavedAt string       `json:"saved_at"`
}

// HistoryResult lists the saves of a record.
type HistoryResult struct {
	Record  string         `json:"record"`
	Entries []HistoryEntry `json:"entries"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [record]",
		Short: "List the saves of a record",
		Long: `List every successful section save of a record from the local store,
oldest first. Identical payloads share a hash.

Examples:
  pipelinectl history rec-42
  pipelinectl history rec-42 --section stages --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Section, "section", "s", "", "only this section")

	return cmd
}

func runHistory(opts *HistoryOptions, args []string, cmd *cobra.Command) error {
	n := section.Name(opts.Section)
	if n != "" && !n.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown section %q: must be one of %v", opts.Section, section.All()))
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
	rows, err := e.store.History(ctx, record, n)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read history", err)
	}

	result := HistoryResult{Record: record, Entries: make([]HistoryEntry, 0, len(rows))}
	for _, h := range rows {
		result.Entries = append(result.Entries, HistoryEntry{
			Seq:     h.Seq,
			Section: h.Section,
			Hash:    h.Hash,
			SavedAt: h.SavedAt,
		})
	}

	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		if len(result.Entries) == 0 {
			fmt.Fprintf(w, "No saves for record %s.\n", record)
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tSECTION\tSAVED AT\tHASH")
		for _, h := range result.Entries {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", h.Seq, h.Section.DisplayName(), h.SavedAt, shortHash(h.Hash))
		}
		tw.Flush()
	})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
