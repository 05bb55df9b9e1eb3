package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

// toCanonicalMap converts an event to a map for canonical JSON. Step
// indexes and transition attempts are always written since 0 is
// meaningful for them.
func (ev TraceEvent) toCanonicalMap() map[string]any {
	m := map[string]any{
		"type": ev.Type,
		"at":   ev.At,
	}
	set := func(key, v string) {
		if v != "" {
			m[key] = v
		}
	}
	switch ev.Type {
	case EventStep, EventResult:
		m["step"] = ev.Step
	case EventTransition:
		m["attempt"] = ev.Attempt
	case EventPlacement:
		m["position"] = ev.Position
	}
	if ev.Call > 0 {
		m["call"] = ev.Call
	}
	set("op", ev.Op)
	set("section", ev.Section)
	set("stage", ev.Stage)
	set("from", ev.From)
	set("to", ev.To)
	set("result", ev.Result)
	set("rule", ev.Rule)
	set("kind", ev.Kind)
	set("message", ev.Message)
	return m
}

// EncodeTrace writes one canonical JSON object per event, each followed
// by a newline.
func EncodeTrace(trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	for i, ev := range trace {
		line, err := payload.MarshalCanonical(ev.toCanonicalMap())
		if err != nil {
			return nil, fmt.Errorf("trace[%d]: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := EncodeTrace(result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
