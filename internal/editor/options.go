package editor

import (
	"context"
	"log/slog"
	"time"

	"github.com/carlosandia/crm-renove-sub007/internal/clock"
	"github.com/carlosandia/crm-renove-sub007/internal/ids"
	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/optimistic"
	"github.com/carlosandia/crm-renove-sub007/internal/scheduler"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
	"github.com/carlosandia/crm-renove-sub007/internal/snapshot"
)

// DefaultSnapshotInterval is how often unsaved sections are captured.
const DefaultSnapshotInterval = 30 * time.Second

// Confirmer decides whether to leave a section whose flush failed.
type Confirmer interface {
	ConfirmSwitch(ctx context.Context, from section.Name, err error) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, from section.Name, err error) bool

func (f ConfirmFunc) ConfirmSwitch(ctx context.Context, from section.Name, err error) bool {
	return f(ctx, from, err)
}

// Option configures an Editor.
type Option func(*Editor)

// WithClock sets the time source for debounce, backoff and the snapshot
// interval.
func WithClock(c clock.Clock) Option {
	return func(e *Editor) { e.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Editor) { e.logger = l }
}

// WithNotifier sets where user-facing messages go.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Editor) { e.notifier = n }
}

// WithPolicy sets debounce and retry timing.
func WithPolicy(p scheduler.Policy) Option {
	return func(e *Editor) { e.policy = p }
}

// WithSnapshots enables emergency snapshots through store.
func WithSnapshots(store *snapshot.Store) Option {
	return func(e *Editor) { e.snapshots = store }
}

// WithSnapshotInterval sets the capture period. Zero disables interval
// capture; explicit CaptureSnapshot calls still work.
func WithSnapshotInterval(d time.Duration) Option {
	return func(e *Editor) { e.interval = d }
}

// WithConfirmer sets who is asked when a section switch follows a failed
// flush. Without one the switch is refused.
func WithConfirmer(c Confirmer) Option {
	return func(e *Editor) { e.confirmer = c }
}

// WithCoordinator enables Mutate and SetArchived.
func WithCoordinator(c *optimistic.Coordinator) Option {
	return func(e *Editor) { e.coordinator = c }
}

// WithObserver receives every section transition.
func WithObserver(o section.Observer) Option {
	return func(e *Editor) { e.observers = append(e.observers, o) }
}

// WithSessionIDs sets the generator for the editor session id.
func WithSessionIDs(g ids.Generator) Option {
	return func(e *Editor) { e.sessionIDs = g }
}
