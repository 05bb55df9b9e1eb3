package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, describe(ev))
		}
	}
	return buf.String()
}

func describe(ev TraceEvent) string {
	switch ev.Type {
	case EventStep:
		target := ev.Section
		if ev.Stage != "" {
			target = ev.Stage
		}
		return fmt.Sprintf("%6dms step %d %s %s", ev.At, ev.Step, ev.Op, target)
	case EventResult:
		return fmt.Sprintf("%6dms step %d %s", ev.At, ev.Step, ev.Result)
	case EventTransition:
		return fmt.Sprintf("%6dms %s %s -> %s (attempt %d)", ev.At, ev.Section, ev.From, ev.To, ev.Attempt)
	case EventPersist:
		return fmt.Sprintf("%6dms persist %s #%d %s", ev.At, ev.Section, ev.Call, ev.Result)
	case EventPlacement:
		return fmt.Sprintf("%6dms placed %s at %d by %s", ev.At, ev.Stage, ev.Position, ev.Rule)
	case EventNotify:
		return fmt.Sprintf("%6dms %s: %s", ev.At, ev.Kind, ev.Message)
	}
	return fmt.Sprintf("%6dms %s", ev.At, ev.Type)
}

// checkAssertions evaluates every assertion and records failures on res.
func checkAssertions(res *Result, assertions []Assertion) {
	for i, a := range assertions {
		if err := evaluate(res, a); err != nil {
			res.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
}

func evaluate(res *Result, a Assertion) error {
	n := section.Name(a.Section)
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: res.Trace}
	}

	switch a.Type {
	case AssertStatus:
		got, ok := res.Status(n)
		if !ok {
			return fail(fmt.Sprintf("section %s", n), "section not in result")
		}
		if got.String() != a.Status {
			return fail(fmt.Sprintf("%s is %s", n, a.Status), got.String())
		}

	case AssertStages:
		if !slices.Equal(res.Stages, a.Stages) {
			return fail(strings.Join(a.Stages, ", "), strings.Join(res.Stages, ", "))
		}

	case AssertPersistCount:
		if got := len(res.Events(EventPersist, n)); got != a.Count {
			return fail(fmt.Sprintf("%d persist calls for %s", a.Count, n), fmt.Sprintf("%d", got))
		}

	case AssertTransitions:
		got := statusPath(res.Events(EventTransition, n))
		if !slices.Equal(got, a.Transitions) {
			return fail(strings.Join(a.Transitions, " -> "), strings.Join(got, " -> "))
		}

	case AssertDelaysNonDecreasing:
		calls := res.Events(EventPersist, n)
		var delays []int64
		for i := 1; i < len(calls); i++ {
			delays = append(delays, calls[i].At-calls[i-1].At)
		}
		for i := 1; i < len(delays); i++ {
			if delays[i] < delays[i-1] {
				return fail("non-decreasing delays between attempts", fmt.Sprint(delays))
			}
		}

	case AssertNotification:
		for _, ev := range res.Events(EventNotify, "") {
			if ev.Message == a.Message && (a.Kind == "" || ev.Kind == a.Kind) {
				return nil
			}
		}
		return fail(fmt.Sprintf("notification %q", a.Message), "not found in trace")

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// statusPath turns transitions into the sequence of statuses visited,
// starting with the first from status.
func statusPath(ts []TraceEvent) []string {
	if len(ts) == 0 {
		return nil
	}
	path := []string{ts[0].From}
	for _, t := range ts {
		path = append(path, t.To)
	}
	return path
}
