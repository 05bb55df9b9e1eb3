package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/carlosandia/crm-renove-sub007/internal/editor"
	"github.com/carlosandia/crm-renove-sub007/internal/ids"
	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/position"
	"github.com/carlosandia/crm-renove-sub007/internal/scheduler"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
	"github.com/carlosandia/crm-renove-sub007/internal/testutil"
)

// DefaultRecord is the record id used when a scenario names none.
const DefaultRecord = "record-1"

// pollInterval is how long a blocking step may run before the harness
// moves the clock to the next timer.
const pollInterval = time.Millisecond

// errRefused marks steps the editor declined without an error.
var errRefused = errors.New("refused")

// runner holds the state of one scenario run.
type runner struct {
	scenario *Scenario
	clock    *testutil.ManualClock
	start    time.Time
	ed       *editor.Editor

	mu    sync.Mutex
	res   *Result
	calls map[section.Name]int
}

// Run executes a scenario against a fresh editor on a manual clock.
// Step failures are recorded in the trace; the returned error is for
// scenarios the harness could not set up.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	r := &runner{
		scenario: s,
		clock:    testutil.NewManualClock(time.Time{}),
		res:      NewResult(),
		calls:    make(map[section.Name]int),
	}
	r.start = r.clock.Now()

	record := s.Record
	if record == "" {
		record = DefaultRecord
	}
	opts := []editor.Option{
		editor.WithClock(r.clock),
		editor.WithPolicy(s.policy()),
		editor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		editor.WithNotifier(notify.Func(r.notify)),
		editor.WithObserver(r.transition),
		editor.WithSessionIDs(ids.NewFixed("harness-session")),
		editor.WithSnapshotInterval(0),
	}
	if s.ConfirmSwitch {
		opts = append(opts, editor.WithConfirmer(editor.ConfirmFunc(
			func(context.Context, section.Name, error) bool { return true })))
	}
	ed, err := editor.New(record, scheduler.PersistFunc(r.persist), opts...)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	r.ed = ed

	if len(s.Stages) > 0 {
		stages := make([]position.Entity, len(s.Stages))
		for i, st := range s.Stages {
			stages[i] = position.Entity{ID: st.ID, Name: st.Name, Position: st.Position, Anchor: st.Anchor}
		}
		if err := ed.LoadStages(stages...); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
	}

	for i, st := range s.Steps {
		r.record(TraceEvent{Type: EventStep, Step: i, Op: st.Op, Section: st.Section, Stage: st.Stage})
		if err := r.step(ctx, st); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("scenario %s: step %d: %w", s.Name, i, ctx.Err())
			}
			result := "error"
			if errors.Is(err, errRefused) {
				result = "refused"
			}
			r.record(TraceEvent{Type: EventResult, Step: i, Result: result})
		}
	}

	r.mu.Lock()
	res := r.res
	r.mu.Unlock()
	res.Sections = ed.Sections()
	for _, e := range ed.Stages() {
		res.Stages = append(res.Stages, fmt.Sprintf("%s:%d", e.Name, e.Position))
	}

	// Retries still pending never fire on the manual clock, so do not wait
	// for them.
	closeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cancel()
	_ = ed.Close(closeCtx)

	checkAssertions(res, s.Assertions)
	return res, nil
}

func (r *runner) step(ctx context.Context, st Step) error {
	n := section.Name(st.Section)
	switch st.Op {
	case OpMarkDirty:
		return r.ed.MarkSectionDirty(n, payload.Payload(st.Payload))
	case OpAdvance:
		r.clock.Advance(st.Duration)
		return nil
	case OpFlush:
		return r.await(ctx, r.unsaved(n), func() error { return r.ed.Flush(ctx, n) })
	case OpSaveAll:
		return r.await(ctx, r.unsaved(section.All()...), func() error {
			if !r.ed.SaveAllPending(ctx) {
				return fmt.Errorf("save all pending failed")
			}
			return nil
		})
	case OpChangeSection:
		return r.await(ctx, r.unsaved(r.ed.ActiveSection()), func() error {
			ok, err := r.ed.ChangeActiveSection(ctx, n)
			if err == nil && !ok {
				return errRefused
			}
			return err
		})
	case OpDiscard:
		return r.ed.DiscardSection(n)
	case OpInsertStage:
		pl, err := r.ed.InsertStage(position.Entity{Name: st.Stage, Position: st.Position}, visualHint(st.Visual))
		if err != nil {
			return err
		}
		r.record(TraceEvent{Type: EventPlacement, Stage: pl.Entity.Name, Position: pl.Entity.Position, Rule: string(pl.Rule)})
		return nil
	case OpDeleteStage:
		_, err := r.ed.DeleteStage(st.Stage)
		return err
	case OpMoveStage:
		dir := editor.Up
		if st.Direction == "down" {
			dir = editor.Down
		}
		moved, err := r.ed.MoveStage(st.Stage, dir)
		if err == nil && !moved {
			return errRefused
		}
		return err
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

// await runs a blocking editor call in the background and fires timers
// until it returns. The clock only moves while every target section is
// Saving, so the call has stopped its debounce and any timer that fires
// is one of its retries.
func (r *runner) await(ctx context.Context, targets []section.Name, f func() error) error {
	done := make(chan error, 1)
	go func() { done <- f() }()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
			if r.saving(targets) {
				r.clock.AdvanceToNext()
			}
		}
	}
}

// unsaved filters names to the sections with unsaved changes.
func (r *runner) unsaved(names ...section.Name) []section.Name {
	var out []section.Name
	for _, n := range names {
		if st, err := r.ed.Section(n); err == nil && st.Status.Unsaved() {
			out = append(out, n)
		}
	}
	return out
}

func (r *runner) saving(targets []section.Name) bool {
	if len(targets) == 0 {
		return false
	}
	for _, n := range targets {
		st, err := r.ed.Section(n)
		if err != nil || st.Status != section.Saving {
			return false
		}
	}
	return true
}

func visualHint(names []string) position.Hint {
	if len(names) == 0 {
		return position.Hint{}
	}
	anchors := make(map[string]bool)
	for _, a := range position.Anchors() {
		anchors[a.Name] = true
	}
	visual := make([]position.Entity, len(names))
	for i, name := range names {
		visual[i] = position.Entity{Name: name, Anchor: anchors[name]}
	}
	return position.Hint{Visual: visual}
}

func (r *runner) record(ev TraceEvent) {
	ev.At = r.clock.Now().Sub(r.start).Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Trace = append(r.res.Trace, ev)
}

func (r *runner) transition(t section.Transition) {
	r.record(TraceEvent{
		Type:    EventTransition,
		Section: string(t.Section),
		From:    t.From.String(),
		To:      t.To.String(),
		Attempt: t.Attempt,
	})
}

func (r *runner) notify(kind notify.Kind, msg string) {
	r.record(TraceEvent{Type: EventNotify, Kind: string(kind), Message: msg})
}

// persist fails the first Fail[section] calls of each section.
func (r *runner) persist(_ context.Context, _ string, n section.Name, _ payload.Payload) error {
	r.mu.Lock()
	r.calls[n]++
	call := r.calls[n]
	r.mu.Unlock()

	limit, scripted := r.scenario.Fail[string(n)]
	fail := scripted && (limit < 0 || call <= limit)
	result := "ok"
	if fail {
		result = "fail"
	}
	r.record(TraceEvent{Type: EventPersist, Section: string(n), Call: call, Result: result})
	if fail {
		return fmt.Errorf("scripted failure of %s call %d", n, call)
	}
	return nil
}
