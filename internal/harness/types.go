package harness

import (
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// Trace event types.
const (
	EventStep       = "step"
	EventResult     = "result"
	EventTransition = "transition"
	EventPersist    = "persist"
	EventPlacement  = "placement"
	EventNotify     = "notify"
)

// TraceEvent is one entry of a run's trace. Which fields are set depends
// on Type.
type TraceEvent struct {
	Type string `json:"type"`

	// At is the offset from the start of the run in milliseconds.
	At int64 `json:"at"`

	// Step is the 0-based index of the step that produced the event
	// (step, result).
	Step int `json:"step,omitempty"`

	Op      string `json:"op,omitempty"`
	Section string `json:"section,omitempty"`
	Stage   string `json:"stage,omitempty"`

	// From, To and Attempt describe a transition.
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	// Call counts persist calls per section, starting at 1.
	Call int `json:"call,omitempty"`

	// Result is "ok" or "fail" for persist events, and "refused" or
	// "error" for step results.
	Result string `json:"result,omitempty"`

	// Position and Rule describe where insert_stage placed a stage.
	Position int    `json:"position,omitempty"`
	Rule     string `json:"rule,omitempty"`

	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Sections is the final state of every section in tab order.
	Sections []section.State `json:"-"`

	// Stages is the final stage order as "Name:position".
	Stages []string `json:"stages,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Status returns the final status of a section.
func (r *Result) Status(n section.Name) (section.Status, bool) {
	for _, st := range r.Sections {
		if st.Name == n {
			return st.Status, true
		}
	}
	return 0, false
}

// Events returns the trace events of one type, optionally filtered to a
// section.
func (r *Result) Events(typ string, n section.Name) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type != typ {
			continue
		}
		if n != "" && ev.Section != string(n) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
