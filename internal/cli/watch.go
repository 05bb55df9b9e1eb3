package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carlosandia/crm-renove-sub007/internal/editor"
	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
	"github.com/carlosandia/crm-renove-sub007/internal/watch"
)

// shutdownTimeout bounds the final save and hub shutdown after a stop.
const shutdownTimeout = 10 * time.Second

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Serve string
}

// WatchResult summarises a watch session once it stops.
type WatchResult struct {
	Record   string        `json:"record"`
	Dir      string        `json:"dir"`
	Saved    bool          `json:"saved"`
	Captured bool          `json:"snapshot_captured"`
	Sections []sectionView `json:"sections"`
}

// statusEvent is published to hub clients on every section transition.
type statusEvent struct {
	Section  section.Name `json:"section"`
	From     string       `json:"from"`
	To       string       `json:"to"`
	Revision uint64       `json:"revision"`
	Attempt  int          `json:"attempt"`
	At       time.Time    `json:"at"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [record] <dir>",
		Short: "Autosave section drafts from a directory",
		Long: `Watch a directory of section drafts (basic.json, stages.json, ...) and
autosave each section as its file changes.

With --serve, notifications and section status changes are broadcast to
websocket clients on /ws.

On SIGINT or SIGTERM the unsaved sections are captured as an emergency
snapshot before the pending saves are attempted one last time.

Exit codes:
  0 - Stopped with everything saved
  1 - Stopped with unsaved changes, preserved locally
  2 - Command error

Examples:
  pipelinectl watch rec-42 ./drafts
  pipelinectl watch ./drafts --serve :8080`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Serve, "serve", "", "websocket listen address (default serve.addr from config)")

	return cmd
}

func runWatch(opts *WatchOptions, args []string, cmd *cobra.Command) error {
	dir := args[len(args)-1]
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("drafts directory not found: %s", dir))
	}

	parentCtx := commandContext(cmd)
	e, err := openEnv(parentCtx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	record, err := e.recordID(args[:len(args)-1])
	if err != nil {
		return err
	}

	addr := opts.Serve
	if addr == "" {
		addr = e.cfg.Serve.Addr
	}
	var (
		hub       *notify.Hub
		notifiers []notify.Notifier
		edOpts    []editor.Option
	)
	if addr != "" {
		hub = notify.NewHub(addr, notify.WithHubLogger(e.logger))
		if err := hub.Start(); err != nil {
			return WrapExitError(ExitCommandError, "failed to start hub", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), shutdownTimeout)
			defer cancel()
			if err := hub.Stop(stopCtx); err != nil {
				e.logger.Warn("stop hub", "error", err)
			}
		}()
		notifiers = append(notifiers, hub)
		edOpts = append(edOpts, editor.WithObserver(func(t section.Transition) {
			hub.Publish(notify.MessageSectionStatus, statusEvent{
				Section:  t.Section,
				From:     t.From.String(),
				To:       t.To.String(),
				Revision: t.Revision,
				Attempt:  t.Attempt,
				At:       t.At.UTC(),
			})
		}))
	}

	ed, err := e.newEditor(record, e.notifier(notifiers...), edOpts...)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if snap, err := ed.RecoverFromSnapshot(parentCtx, ""); err != nil {
		e.logger.Warn("check snapshot", "error", err)
	} else if snap != nil && opts.Format != "json" {
		fmt.Fprintf(w, "Unsaved changes from %s found; run \"pipelinectl recover %s\" to restore them.\n",
			snap.CapturedAt.Format(time.RFC3339), record)
	}

	watcher := watch.New(dir, ed, watch.WithLogger(e.logger))
	if err := watcher.Scan(); err != nil {
		e.logger.Warn("initial scan", "dir", dir, "error", err)
	}
	if err := watcher.Start(); err != nil {
		_ = ed.Close(parentCtx)
		return WrapExitError(ExitCommandError, "failed to watch drafts", err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var captured atomic.Bool
	go func() {
		select {
		case sig := <-sigChan:
			e.logger.Info("received signal, capturing snapshot", "signal", sig)
			ok, err := ed.CaptureSnapshot(context.WithoutCancel(ctx))
			if err != nil {
				e.logger.Error("emergency snapshot", "error", err)
			}
			captured.Store(ok)
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.Format != "json" {
		fmt.Fprintf(w, "Watching %s for record %s.\n", dir, record)
		if hub != nil {
			fmt.Fprintf(w, "Serving notifications on ws://%s/ws\n", hub.Addr())
		}
		fmt.Fprintln(w, "Press Ctrl-C to stop.")
	}

	<-ctx.Done()

	if err := watcher.Stop(); err != nil {
		e.logger.Warn("stop watcher", "error", err)
	}
	stopCtx, stop := context.WithTimeout(context.WithoutCancel(parentCtx), shutdownTimeout)
	defer stop()
	saved := ed.SaveAllPending(stopCtx)
	result := WatchResult{
		Record:   record,
		Dir:      dir,
		Saved:    saved,
		Captured: captured.Load(),
		Sections: sectionViews(ed.Sections()),
	}
	if err := ed.Close(stopCtx); err != nil {
		e.logger.Warn("close editor", "error", err)
	}

	out := opts.formatter(cmd)
	if !saved {
		if err := out.Error(CodeSaveFailed, "stopped with unsaved changes, preserved locally", result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("record %s has unsaved changes", record))
	}
	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Stopped. Record %s saved\n", record)
		printSections(w, result.Sections)
	})
}
