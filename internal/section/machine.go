// Package section tracks the save state of each part of a pipeline record.
//
// Every section moves through Clean, Dirty, Saving and Error:
//
//	Clean  -> Dirty   on an edit
//	Dirty  -> Saving  when a save begins
//	Error  -> Saving  on a manual retry or a buffered edit
//	Saving -> Saving  on each retry attempt
//	Saving -> Clean   on success
//	Saving -> Error   when retries are exhausted
//	Error  -> Dirty   on a new edit
//
// An edit that arrives while the section is Saving is buffered: it
// replaces the pending payload but starts no second save. When the
// in-flight save settles, the machine reports that a newer revision is
// waiting (Outcome.Rearm). After a success the section returns to Dirty;
// after exhausted retries it stays in Error until the newer revision saves.
package section

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

// ErrSaveInFlight is returned when an operation needs the section idle.
var ErrSaveInFlight = errors.New("save in flight")

// State is a point-in-time copy of one section.
type State struct {
	Name                Name            `json:"name"`
	Status              Status          `json:"status"`
	Payload             payload.Payload `json:"payload,omitempty"`
	LastSavedAt         time.Time       `json:"last_saved_at"`
	ConsecutiveFailures int             `json:"consecutive_failures"`

	// Revision increases with every accepted edit.
	Revision uint64 `json:"revision"`

	// Attempts counts attempts made by the in-flight or most recent save.
	Attempts int `json:"attempts"`

	LastError string `json:"last_error,omitempty"`
}

// Transition is reported to observers on every status change, including
// the Saving -> Saving step of each retry.
type Transition struct {
	Section  Name
	From     Status
	To       Status
	Revision uint64
	Attempt  int
	At       time.Time
}

// Observer receives transitions. It is called without the machine's lock
// held and must not block for long.
type Observer func(Transition)

// Edit describes what MarkDirty did with an edit.
type Edit struct {
	Revision uint64

	// Buffered is true when the edit arrived during a save.
	Buffered bool

	// Skipped is true when the edit equals the last saved payload of a
	// clean section.
	Skipped bool
}

// Attempt is the work handed to the saver.
type Attempt struct {
	Section  Name
	Payload  payload.Payload
	Revision uint64
	Number   int
}

// Outcome is the result of settling a save.
type Outcome struct {
	State State

	// Rearm is true when a newer edit was buffered during the save and
	// needs its own debounce cycle.
	Rearm bool
}

// TransitionError reports an operation invalid in the current status.
type TransitionError struct {
	Section Name
	From    Status
	Op      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("section %s: cannot %s while %s", e.Section, e.Op, e.From)
}

// IsTransitionError reports whether err is a TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

type entry struct {
	status      Status
	payload     payload.Payload
	revision    uint64
	savedHash   string
	lastSavedAt time.Time
	failures    int
	attempts    int
	lastErr     string

	// inflight holds the payload and revision being saved.
	inflight    payload.Payload
	inflightRev uint64
}

// Option configures a Machine.
type Option func(*Machine)

// WithNow sets the time source for LastSavedAt and transitions.
func WithNow(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// Machine is the per-record section state machine.
//
// Thread-safety: all methods are safe for concurrent use.
type Machine struct {
	mu        sync.Mutex
	now       func() time.Time
	entries   map[Name]*entry
	observers []Observer
}

// NewMachine creates a machine with every section Clean.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		now:     time.Now,
		entries: make(map[Name]*entry, len(all)),
	}
	for _, n := range all {
		m.entries[n] = &entry{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe adds an observer.
func (m *Machine) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Machine) entry(n Name) (*entry, error) {
	e, ok := m.entries[n]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSection, string(n))
	}
	return e, nil
}

// move changes status and returns the transition to publish. Callers hold m.mu.
func (m *Machine) move(n Name, e *entry, to Status) Transition {
	t := Transition{Section: n, From: e.status, To: to, Revision: e.revision, Attempt: e.attempts, At: m.now()}
	e.status = to
	return t
}

// publish delivers transitions outside the lock.
func (m *Machine) publish(ts ...Transition) {
	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, t := range ts {
		for _, o := range observers {
			o(t)
		}
	}
}

// MarkDirty records an edit. The payload is copied.
func (m *Machine) MarkDirty(n Name, p payload.Payload) (Edit, error) {
	p = p.Clone()
	if p == nil {
		p = payload.Payload{}
	}
	hash, _ := payload.Hash(p)

	m.mu.Lock()
	e, err := m.entry(n)
	if err != nil {
		m.mu.Unlock()
		return Edit{}, err
	}
	if e.status == Clean && hash != "" && hash == e.savedHash {
		rev := e.revision
		m.mu.Unlock()
		return Edit{Revision: rev, Skipped: true}, nil
	}

	e.revision++
	e.payload = p
	edit := Edit{Revision: e.revision}

	var ts []Transition
	switch e.status {
	case Saving:
		edit.Buffered = true
	case Clean, Error:
		e.attempts = 0
		ts = append(ts, m.move(n, e, Dirty))
	}
	m.mu.Unlock()

	m.publish(ts...)
	return edit, nil
}

// BeginSave moves a Dirty or Error section to Saving and returns the
// first attempt. ok is false when there is nothing to save or a save is
// already in flight.
func (m *Machine) BeginSave(n Name) (a Attempt, ok bool, err error) {
	m.mu.Lock()
	e, err := m.entry(n)
	if err != nil {
		m.mu.Unlock()
		return Attempt{}, false, err
	}
	if e.status != Dirty && e.status != Error {
		m.mu.Unlock()
		return Attempt{}, false, nil
	}
	e.inflight = e.payload.Clone()
	e.inflightRev = e.revision
	e.attempts = 1
	t := m.move(n, e, Saving)
	a = Attempt{Section: n, Payload: e.inflight.Clone(), Revision: e.inflightRev, Number: 1}
	m.mu.Unlock()

	m.publish(t)
	return a, true, nil
}

// Retry starts the next attempt of the in-flight save. It re-sends the
// payload captured by BeginSave; newer buffered edits wait for Rearm.
func (m *Machine) Retry(n Name) (Attempt, error) {
	m.mu.Lock()
	e, err := m.entry(n)
	if err != nil {
		m.mu.Unlock()
		return Attempt{}, err
	}
	if e.status != Saving {
		m.mu.Unlock()
		return Attempt{}, &TransitionError{Section: n, From: e.status, Op: "retry"}
	}
	e.attempts++
	t := m.move(n, e, Saving)
	a := Attempt{Section: n, Payload: e.inflight.Clone(), Revision: e.inflightRev, Number: e.attempts}
	m.mu.Unlock()

	m.publish(t)
	return a, nil
}

// RecordFailure counts one failed attempt.
func (m *Machine) RecordFailure(n Name, cause error) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(n)
	if err != nil {
		return State{}, err
	}
	if e.status != Saving {
		return State{}, &TransitionError{Section: n, From: e.status, Op: "record failure"}
	}
	e.failures++
	if cause != nil {
		e.lastErr = cause.Error()
	}
	return m.snapshot(n, e), nil
}

// Complete settles a successful save.
func (m *Machine) Complete(n Name) (Outcome, error) {
	m.mu.Lock()
	e, err := m.entry(n)
	if err != nil {
		m.mu.Unlock()
		return Outcome{}, err
	}
	if e.status != Saving {
		from := e.status
		m.mu.Unlock()
		return Outcome{}, &TransitionError{Section: n, From: from, Op: "complete"}
	}
	e.failures = 0
	e.lastErr = ""
	e.lastSavedAt = m.now()
	e.savedHash, _ = payload.Hash(e.inflight)

	rearm := e.revision > e.inflightRev
	to := Clean
	if rearm {
		to = Dirty
	}
	e.inflight = nil
	t := m.move(n, e, to)
	out := Outcome{State: m.snapshot(n, e), Rearm: rearm}
	m.mu.Unlock()

	m.publish(t)
	return out, nil
}

// Fail settles a save whose retries are exhausted. The section always
// moves to Error and the pending payload is kept. Rearm reports a newer
// edit buffered during the save.
func (m *Machine) Fail(n Name) (Outcome, error) {
	m.mu.Lock()
	e, err := m.entry(n)
	if err != nil {
		m.mu.Unlock()
		return Outcome{}, err
	}
	if e.status != Saving {
		from := e.status
		m.mu.Unlock()
		return Outcome{}, &TransitionError{Section: n, From: from, Op: "fail"}
	}
	rearm := e.revision > e.inflightRev
	e.inflight = nil
	t := m.move(n, e, Error)
	out := Outcome{State: m.snapshot(n, e), Rearm: rearm}
	m.mu.Unlock()

	m.publish(t)
	return out, nil
}

// Discard drops unsaved edits and returns the section to Clean.
func (m *Machine) Discard(n Name) error {
	m.mu.Lock()
	e, err := m.entry(n)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if e.status == Saving {
		m.mu.Unlock()
		return fmt.Errorf("discard %s: %w", n, ErrSaveInFlight)
	}
	if e.status == Clean {
		m.mu.Unlock()
		return nil
	}
	e.payload = nil
	e.failures = 0
	e.lastErr = ""
	t := m.move(n, e, Clean)
	m.mu.Unlock()

	m.publish(t)
	return nil
}

func (m *Machine) snapshot(n Name, e *entry) State {
	return State{
		Name:                n,
		Status:              e.status,
		Payload:             e.payload.Clone(),
		LastSavedAt:         e.lastSavedAt,
		ConsecutiveFailures: e.failures,
		Revision:            e.revision,
		Attempts:            e.attempts,
		LastError:           e.lastErr,
	}
}

// Get returns a copy of one section's state.
func (m *Machine) Get(n Name) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(n)
	if err != nil {
		return State{}, err
	}
	return m.snapshot(n, e), nil
}

// States returns every section in tab order.
func (m *Machine) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(all))
	for _, n := range all {
		out = append(out, m.snapshot(n, m.entries[n]))
	}
	return out
}

// Pending returns sections that are Dirty or Error, in tab order.
func (m *Machine) Pending() []Name {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Name
	for _, n := range all {
		if s := m.entries[n].status; s == Dirty || s == Error {
			out = append(out, n)
		}
	}
	return out
}

// HasUnsaved reports whether any section is Dirty, Saving or Error.
func (m *Machine) HasUnsaved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.status.Unsaved() {
			return true
		}
	}
	return false
}

// AllClean reports whether every section is Clean.
func (m *Machine) AllClean() bool {
	return !m.HasUnsaved()
}
