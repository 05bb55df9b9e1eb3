package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/optimistic"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/pgstore"
)

// ArchiveOptions holds flags for the archive command.
type ArchiveOptions struct {
	*RootOptions
	Name       string
	Restore    bool
	Dependents []string
}

// ArchiveResult is the settled optimistic update.
type ArchiveResult struct {
	Key       string             `json:"key"`
	Archived  bool               `json:"archived"`
	UpdateID  string             `json:"update_id"`
	Committed bool               `json:"committed"`
	Value     payload.Payload    `json:"value"`
	Events    []optimistic.Event `json:"events"`
	Notes     []notify.Note      `json:"notes,omitempty"`
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "archive <key>",
		Short: "Archive or restore a pipeline entity optimistically",
		Long: `Flip the archived flags of the entity stored at key. The shared cache is
updated first and the change is then confirmed with the store; if the
store refuses, the cache is rolled back and the refusal is reported.

With redis.url set the cache is shared and other processes see the
speculative value, the confirmation or the rollback as cache events.

Exit codes:
  0 - Confirmed
  1 - Refused by the store, cache rolled back
  2 - Command error

Examples:
  pipelinectl archive pipeline:rec-42 --name Vendas
  pipelinectl archive pipeline:rec-42 --restore --dependents pipelines:list`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "name shown in notifications (default: the key)")
	cmd.Flags().BoolVar(&opts.Restore, "restore", false, "restore instead of archive")
	cmd.Flags().StringSliceVar(&opts.Dependents, "dependents", nil, "cache keys to invalidate afterwards")

	return cmd
}

func runArchive(opts *ArchiveOptions, key string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	e, err := openEnv(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	cache, err := e.cache(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open cache", err)
	}
	out := opts.formatter(cmd)

	var (
		mu     sync.Mutex
		events []optimistic.Event
	)
	cancel := cache.Subscribe(optimistic.AllKeys, func(ev optimistic.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		out.VerboseLog("cache %s %s", ev.Kind, ev.Key)
	})
	defer cancel()

	remote := e.remote()
	coord := optimistic.NewCoordinator(cache, remote,
		optimistic.WithNotifier(e.notifier()),
		optimistic.WithLogger(e.logger),
	)

	// A cold cache starts from the committed value so rollback restores it.
	if _, ok, err := coord.Get(ctx, key); err != nil {
		return WrapExitError(ExitCommandError, "failed to read cache", err)
	} else if !ok {
		committed, found, err := remote.LoadEntity(ctx, key)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load entity", err)
		}
		if found {
			if err := coord.Set(ctx, key, committed); err != nil {
				return WrapExitError(ExitCommandError, "failed to seed cache", err)
			}
		}
	}

	archived := !opts.Restore
	u, err := coord.SetArchived(ctx, key, opts.Name, archived, opts.Dependents...)
	if u == nil {
		return WrapExitError(ExitCommandError, "mutation failed", err)
	}

	value, _, readErr := coord.Get(ctx, key)
	if readErr != nil {
		e.logger.Warn("read settled value", "key", key, "error", readErr)
	}
	mu.Lock()
	result := ArchiveResult{
		Key:       key,
		Archived:  archived,
		UpdateID:  u.ID,
		Committed: u.Committed,
		Value:     value,
		Events:    append([]optimistic.Event(nil), events...),
		Notes:     e.notes.Notes(),
	}
	mu.Unlock()

	if err != nil {
		code, msg := CodeMutateFailed, fmt.Sprintf("store refused %s, cache rolled back", key)
		if pgstore.Constraint(u.Err) {
			code, msg = CodeRejected, fmt.Sprintf("%s violates a database constraint, cache rolled back", key)
		}
		if err := out.Error(code, msg, result); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, msg, u.Err)
	}

	return out.Success(result, func(w io.Writer) {
		verb := "Archived"
		if !archived {
			verb = "Restored"
		}
		fmt.Fprintf(w, "%s %s (update %s)\n", verb, key, u.ID)
		for _, ev := range result.Events {
			fmt.Fprintf(w, "  %s\t%s\n", ev.Kind, ev.Key)
		}
		printNotes(w, result.Notes)
	})
}
