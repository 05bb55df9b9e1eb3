// Package scheduler turns section edits into debounced, retried saves.
//
// Each edit re-arms a per-section debounce timer. When the timer fires the
// section's pending payload is handed to the Persister. A failed attempt
// is retried after an exponential backoff until Policy.MaxAttempts is
// reached, at which point the section is left in Error with its payload
// intact and the user is notified.
//
// All delays go through a clock.Clock. Retries are chained as timer
// callbacks, so no goroutine sleeps and a manual clock drives the whole
// cycle deterministically.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/carlosandia/crm-renove-sub007/internal/clock"
	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// Persister writes one section of a record to the remote store.
type Persister interface {
	PersistSection(ctx context.Context, recordID string, name section.Name, p payload.Payload) error
}

// PersistFunc adapts a function to Persister.
type PersistFunc func(ctx context.Context, recordID string, name section.Name, p payload.Payload) error

func (f PersistFunc) PersistSection(ctx context.Context, recordID string, name section.Name, p payload.Payload) error {
	return f(ctx, recordID, name, p)
}

// SettleFunc is called after every save cycle ends. err is a *SaveError
// when the cycle exhausted its attempts.
type SettleFunc func(out section.Outcome, err error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithClock sets the time source for debounce and backoff.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithNotifier sets where save failures and recoveries are announced.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithOnSettled registers a callback for finished save cycles.
func WithOnSettled(f SettleFunc) Option {
	return func(s *Scheduler) { s.onSettled = append(s.onSettled, f) }
}

// cycle is one save of a section, from BeginSave to Complete or Fail.
// err is written before done is closed.
type cycle struct {
	done chan struct{}
	err  error
}

type slot struct {
	debounce clock.Timer
	backoff  clock.Timer
	gen      uint64
	cur      *cycle

	// failed is set once a failure has been announced, so the next
	// successful save can announce the recovery.
	failed bool
}

// Scheduler owns the save timers of one record.
//
// Thread-safety: All methods are safe for concurrent use. Persister calls
// happen without the scheduler's lock held; at most one is in flight per
// section.
type Scheduler struct {
	recordID  string
	machine   *section.Machine
	persister Persister
	policy    Policy
	clock     clock.Clock
	logger    *slog.Logger
	notifier  notify.Notifier
	onSettled []SettleFunc

	// ctx is passed to the Persister and cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	slots  map[section.Name]*slot
	closed bool
}

// New creates a scheduler for recordID that saves through p.
func New(recordID string, m *section.Machine, p Persister, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		recordID:  recordID,
		machine:   m,
		persister: p,
		policy:    DefaultPolicy(),
		clock:     clock.Real{},
		logger:    slog.Default(),
		notifier:  notify.Discard,
		ctx:       ctx,
		cancel:    cancel,
		slots:     make(map[section.Name]*slot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the scheduler's timing policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// slot returns the section's slot. Callers hold s.mu.
func (s *Scheduler) slot(n section.Name) *slot {
	sl, ok := s.slots[n]
	if !ok {
		sl = &slot{}
		s.slots[n] = sl
	}
	return sl
}

// stopDebounce cancels a pending debounce. Callers hold s.mu.
func (s *Scheduler) stopDebounce(sl *slot) {
	sl.gen++
	if sl.debounce != nil {
		sl.debounce.Stop()
		sl.debounce = nil
	}
}

// Touch (re)starts the debounce timer for a section that was just edited.
// While a save is in flight the edit is already buffered by the machine
// and the timer is re-armed when that save settles.
func (s *Scheduler) Touch(n section.Name) error {
	if !section.Valid(n) {
		return fmt.Errorf("%w: %q", section.ErrUnknownSection, string(n))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	sl := s.slot(n)
	if sl.cur != nil {
		return nil
	}
	s.stopDebounce(sl)
	gen := sl.gen
	sl.debounce = s.clock.AfterFunc(s.policy.Debounce, func() { s.fire(n, gen) })
	s.logger.Debug("save scheduled", "section", string(n), "debounce", s.policy.Debounce)
	return nil
}

// Cancel drops a pending debounce without saving.
func (s *Scheduler) Cancel(n section.Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[n]; ok {
		s.stopDebounce(sl)
	}
}

// Scheduled reports whether a debounce timer is pending for n.
func (s *Scheduler) Scheduled(n section.Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[n]
	return ok && sl.debounce != nil
}

// InFlight reports whether a save cycle is running for n.
func (s *Scheduler) InFlight(n section.Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[n]
	return ok && sl.cur != nil
}

func (s *Scheduler) fire(n section.Name, gen uint64) {
	s.mu.Lock()
	sl := s.slot(n)
	if gen != sl.gen || s.closed {
		s.mu.Unlock()
		return
	}
	sl.debounce = nil
	s.mu.Unlock()

	c, a, started, err := s.start(n)
	if err != nil {
		s.logger.Warn("start save", "section", string(n), "error", err)
		return
	}
	if started {
		s.attempt(n, c, a)
	}
}

// start begins a save cycle or joins the running one. It returns a nil
// cycle when the section has nothing to save. started is true when the
// caller must run the first attempt.
func (s *Scheduler) start(n section.Name) (c *cycle, a section.Attempt, started bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, a, false, ErrClosed
	}
	sl := s.slot(n)
	if sl.cur != nil {
		c = sl.cur
		s.mu.Unlock()
		return c, a, false, nil
	}
	s.stopDebounce(sl)
	c = &cycle{done: make(chan struct{})}
	sl.cur = c
	s.mu.Unlock()

	a, ok, err := s.machine.BeginSave(n)
	if err != nil || !ok {
		s.release(n, c)
		return nil, a, false, err
	}
	return c, a, true, nil
}

// release ends a cycle that never started an attempt.
func (s *Scheduler) release(n section.Name, c *cycle) {
	s.mu.Lock()
	if sl := s.slot(n); sl.cur == c {
		sl.cur = nil
	}
	s.mu.Unlock()
	close(c.done)
}

func (s *Scheduler) attempt(n section.Name, c *cycle, a section.Attempt) {
	s.logger.Debug("save attempt", "section", string(n), "attempt", a.Number, "revision", a.Revision)
	err := s.persister.PersistSection(s.ctx, s.recordID, n, a.Payload)
	if err == nil {
		out, cerr := s.machine.Complete(n)
		if cerr != nil {
			s.logger.Error("complete save", "section", string(n), "error", cerr)
		}
		s.logger.Info("section saved", "section", string(n), "attempts", a.Number, "revision", a.Revision)
		s.settle(n, c, out, nil)
		return
	}

	s.logger.Warn("save attempt failed", "section", string(n), "attempt", a.Number, "error", err)
	if _, rerr := s.machine.RecordFailure(n, err); rerr != nil {
		s.logger.Error("record failure", "section", string(n), "error", rerr)
	}

	if a.Number < s.policy.MaxAttempts && s.ctx.Err() == nil {
		delay := s.policy.Backoff(a.Number - 1)
		s.mu.Lock()
		s.slot(n).backoff = s.clock.AfterFunc(delay, func() { s.retry(n, c) })
		s.mu.Unlock()
		s.logger.Debug("save retry scheduled", "section", string(n), "delay", delay)
		return
	}

	out, ferr := s.machine.Fail(n)
	if ferr != nil {
		s.logger.Error("fail save", "section", string(n), "error", ferr)
	}
	s.settle(n, c, out, &SaveError{Section: n, Attempts: a.Number, Err: err})
}

func (s *Scheduler) retry(n section.Name, c *cycle) {
	s.mu.Lock()
	s.slot(n).backoff = nil
	s.mu.Unlock()

	a, err := s.machine.Retry(n)
	if err != nil {
		s.logger.Error("retry save", "section", string(n), "error", err)
		st, _ := s.machine.Get(n)
		s.settle(n, c, section.Outcome{State: st}, &SaveError{Section: n, Attempts: st.Attempts, Err: err})
		return
	}
	s.attempt(n, c, a)
}

func (s *Scheduler) settle(n section.Name, c *cycle, out section.Outcome, err error) {
	s.mu.Lock()
	sl := s.slot(n)
	sl.cur = nil
	recovered := err == nil && sl.failed
	announceFailure := err != nil
	sl.failed = announceFailure
	c.err = err
	closed := s.closed
	s.mu.Unlock()

	switch {
	case announceFailure:
		var se *SaveError
		attempts := out.State.Attempts
		if errors.As(err, &se) {
			attempts = se.Attempts
		}
		s.logger.Error("save failed", "section", string(n), "attempts", attempts, "error", err)
		s.notifier.Notify(notify.Warning, fmt.Sprintf(
			"Failed to save %s after %d attempts. Changes preserved locally.", n.DisplayName(), attempts))
	case recovered:
		s.notifier.Notify(notify.Info, fmt.Sprintf("%s saved.", n.DisplayName()))
	}

	for _, f := range s.onSettled {
		f(out, err)
	}

	if out.Rearm && !closed {
		if terr := s.Touch(n); terr != nil {
			s.logger.Warn("rearm save", "section", string(n), "error", terr)
		}
	}
	close(c.done)
}

// Flush saves n now, skipping the debounce, and waits for the result
// including retries. A save already in flight is joined. If an edit was
// buffered during the save, the newer revision is flushed too. Flush
// returns nil when the section has nothing to save.
func (s *Scheduler) Flush(ctx context.Context, n section.Name) error {
	if !section.Valid(n) {
		return fmt.Errorf("%w: %q", section.ErrUnknownSection, string(n))
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, a, started, err := s.start(n)
		if err != nil {
			return fmt.Errorf("flush %s: %w", n, err)
		}
		if c == nil {
			return nil
		}
		if started {
			go s.attempt(n, c, a)
		}
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if c.err != nil {
			return c.err
		}
	}
}

// SaveAll flushes every section with unsaved changes concurrently and
// returns the joined failures. One section failing does not stop the
// others.
func (s *Scheduler) SaveAll(ctx context.Context) error {
	var names []section.Name
	for _, st := range s.machine.States() {
		if st.Status.Unsaved() {
			names = append(names, st.Name)
		}
	}
	errs := make([]error, len(names))
	var g errgroup.Group
	for i, n := range names {
		g.Go(func() error {
			errs[i] = s.Flush(ctx, n)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close stops accepting edits, drops pending debounces and waits for
// in-flight saves to settle. Sections left Dirty stay Dirty; callers that
// need them saved call SaveAll first.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var running []*cycle
	for _, sl := range s.slots {
		s.stopDebounce(sl)
		if sl.cur != nil {
			running = append(running, sl.cur)
		}
	}
	s.mu.Unlock()

	defer s.cancel()
	for _, c := range running {
		select {
		case <-c.done:
		case <-ctx.Done():
			return fmt.Errorf("close scheduler: %w", ctx.Err())
		}
	}
	return nil
}
