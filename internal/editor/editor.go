// Package editor is the autosave facade for one pipeline record.
//
// It wires the section state machine, the save scheduler, the emergency
// snapshot store, the stage and cadence reconcilers and the optimistic
// mutation coordinator behind the operations a UI calls:
//
//	ed.MarkSectionDirty(section.Basic, p)       // debounced save
//	ok, err := ed.ChangeActiveSection(ctx, n)   // flushes the outgoing section
//	ok = ed.SaveAllPending(ctx)                 // before navigating away
//	snap, err := ed.RecoverFromSnapshot(ctx, id)
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carlosandia/crm-renove-sub007/internal/clock"
	"github.com/carlosandia/crm-renove-sub007/internal/ids"
	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/optimistic"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/position"
	"github.com/carlosandia/crm-renove-sub007/internal/scheduler"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
	"github.com/carlosandia/crm-renove-sub007/internal/snapshot"
)

var (
	// ErrClosed is returned by operations on a closed editor.
	ErrClosed = errors.New("editor closed")

	// ErrNoCoordinator is returned by Mutate when no coordinator is wired.
	ErrNoCoordinator = errors.New("no mutation coordinator configured")
)

// Editor coordinates autosave for one record.
//
// Thread-safety: All methods are safe for concurrent use. Structural edits
// to stages and cadences are applied one at a time.
type Editor struct {
	recordID  string
	sessionID string

	clock       clock.Clock
	logger      *slog.Logger
	notifier    notify.Notifier
	policy      scheduler.Policy
	snapshots   *snapshot.Store
	interval    time.Duration
	confirmer   Confirmer
	coordinator *optimistic.Coordinator
	observers   []section.Observer
	sessionIDs  ids.Generator

	machine *section.Machine
	sched   *scheduler.Scheduler

	// structMu serializes stage and cadence edits, from the collection
	// change through MarkSectionDirty, so payloads reach the machine in
	// the order the edits were made.
	structMu sync.Mutex
	stages   *position.Collection
	cadences map[string]*position.Collection

	mu        sync.Mutex
	active    section.Name
	closed    bool
	ticker    clock.Timer
	tickerGen uint64
}

// New creates an editor for recordID that saves sections through p.
func New(recordID string, p scheduler.Persister, opts ...Option) (*Editor, error) {
	if recordID == "" {
		return nil, fmt.Errorf("new editor: empty record id")
	}
	e := &Editor{
		recordID:   recordID,
		clock:      clock.Real{},
		logger:     slog.Default(),
		notifier:   notify.Discard,
		policy:     scheduler.DefaultPolicy(),
		interval:   DefaultSnapshotInterval,
		sessionIDs: ids.UUIDv7{},
		cadences:   make(map[string]*position.Collection),
		active:     section.Basic,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, fmt.Errorf("new editor: %w", err)
	}

	e.sessionID = e.sessionIDs.Generate()
	e.logger = e.logger.With("record", recordID, "session", e.sessionID)

	stages, err := position.NewStages()
	if err != nil {
		return nil, fmt.Errorf("new editor: %w", err)
	}
	e.stages = stages

	machineOpts := []section.Option{section.WithNow(e.clock.Now)}
	for _, o := range e.observers {
		machineOpts = append(machineOpts, section.WithObserver(o))
	}
	e.machine = section.NewMachine(machineOpts...)
	e.sched = scheduler.New(recordID, e.machine, p,
		scheduler.WithPolicy(e.policy),
		scheduler.WithClock(e.clock),
		scheduler.WithLogger(e.logger),
		scheduler.WithNotifier(e.notifier),
		scheduler.WithOnSettled(e.onSettled),
	)
	e.logger.Debug("editor opened")
	return e, nil
}

// RecordID returns the record being edited.
func (e *Editor) RecordID() string { return e.recordID }

// SessionID returns this editor's session id.
func (e *Editor) SessionID() string { return e.sessionID }

// Observe adds a section transition observer.
func (e *Editor) Observe(o section.Observer) { e.machine.Observe(o) }

func (e *Editor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// MarkSectionDirty records an edit and arms the section's debounced save.
// An edit identical to the last saved payload of a clean section is
// ignored.
func (e *Editor) MarkSectionDirty(n section.Name, p payload.Payload) error {
	if e.isClosed() {
		return ErrClosed
	}
	edit, err := e.machine.MarkDirty(n, p)
	if err != nil {
		return fmt.Errorf("mark %s dirty: %w", n, err)
	}
	if edit.Skipped {
		e.logger.Debug("edit matches saved payload", "section", string(n))
		return nil
	}
	if err := e.sched.Touch(n); err != nil {
		if errors.Is(err, scheduler.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("schedule %s: %w", n, err)
	}
	e.armSnapshots()
	return nil
}

// DiscardSection drops a section's unsaved edits.
func (e *Editor) DiscardSection(n section.Name) error {
	e.sched.Cancel(n)
	if err := e.machine.Discard(n); err != nil {
		return fmt.Errorf("discard %s: %w", n, err)
	}
	e.clearIfClean(context.Background())
	return nil
}

// ActiveSection returns the section the user is on.
func (e *Editor) ActiveSection() section.Name {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// ChangeActiveSection moves the user to n. If the outgoing section has
// unsaved changes it is flushed first. When that flush fails the
// Confirmer decides; without one the switch is refused. A refused switch
// returns false with a nil error and leaves the outgoing section in Error
// with its payload.
func (e *Editor) ChangeActiveSection(ctx context.Context, n section.Name) (bool, error) {
	if !section.Valid(n) {
		return false, fmt.Errorf("change section: %w: %q", section.ErrUnknownSection, string(n))
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	from := e.active
	e.mu.Unlock()

	if from == n {
		return true, nil
	}

	st, err := e.machine.Get(from)
	if err != nil {
		return false, fmt.Errorf("change section: %w", err)
	}
	if st.Status.Unsaved() {
		if ferr := e.sched.Flush(ctx, from); ferr != nil {
			if ctx.Err() != nil {
				return false, fmt.Errorf("change section: %w", ctx.Err())
			}
			e.logger.Warn("flush before switch failed", "from", string(from), "to", string(n), "error", ferr)
			if e.confirmer == nil || !e.confirmer.ConfirmSwitch(ctx, from, ferr) {
				e.notifier.Notify(notify.Warning, fmt.Sprintf(
					"Could not save %s. Stay on this section or confirm to leave with unsaved changes.", from.DisplayName()))
				return false, nil
			}
			e.logger.Info("switch confirmed despite failed flush", "from", string(from), "to", string(n))
		}
	}

	e.mu.Lock()
	e.active = n
	e.mu.Unlock()
	return true, nil
}

// SaveAllPending saves every Dirty or Error section immediately and
// reports whether all of them succeeded.
func (e *Editor) SaveAllPending(ctx context.Context) bool {
	if err := e.sched.SaveAll(ctx); err != nil {
		e.logger.Warn("save all pending", "error", err)
		return false
	}
	e.clearIfClean(ctx)
	return true
}

// HasUnsavedChanges reports whether any section is Dirty, Saving or Error.
func (e *Editor) HasUnsavedChanges() bool { return e.machine.HasUnsaved() }

// PendingCount returns the number of Dirty or Error sections.
func (e *Editor) PendingCount() int { return len(e.machine.Pending()) }

// Sections returns every section's state in tab order.
func (e *Editor) Sections() []section.State { return e.machine.States() }

// Section returns one section's state.
func (e *Editor) Section(n section.Name) (section.State, error) { return e.machine.Get(n) }

// Flush saves one section now and waits for the result.
func (e *Editor) Flush(ctx context.Context, n section.Name) error {
	err := e.sched.Flush(ctx, n)
	if errors.Is(err, scheduler.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (e *Editor) onSettled(out section.Outcome, err error) {
	if err == nil && out.State.Status == section.Clean {
		e.clearIfClean(context.Background())
	}
}

// Mutate runs an optimistic mutation through the configured coordinator.
func (e *Editor) Mutate(ctx context.Context, m optimistic.Mutation) (*optimistic.Update, error) {
	if e.coordinator == nil {
		return nil, ErrNoCoordinator
	}
	if e.isClosed() {
		return nil, ErrClosed
	}
	return e.coordinator.Mutate(ctx, m)
}

// SetArchived archives or restores an entity optimistically.
func (e *Editor) SetArchived(ctx context.Context, key, displayName string, archived bool, dependents ...string) (*optimistic.Update, error) {
	if e.coordinator == nil {
		return nil, ErrNoCoordinator
	}
	if e.isClosed() {
		return nil, ErrClosed
	}
	return e.coordinator.SetArchived(ctx, key, displayName, archived, dependents...)
}

// Close stops the snapshot interval, captures a last snapshot if anything
// is unsaved and waits for in-flight saves. Pending debounces are
// dropped; call SaveAllPending first to keep them.
func (e *Editor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.stopTickerLocked()
	e.mu.Unlock()

	// A session that never edited leaves an earlier snapshot in place.
	if e.machine.HasUnsaved() {
		if _, err := e.CaptureSnapshot(ctx); err != nil {
			e.logger.Warn("final snapshot", "error", err)
		}
	}
	if err := e.sched.Close(ctx); err != nil {
		return fmt.Errorf("close editor: %w", err)
	}
	e.logger.Debug("editor closed")
	return nil
}
