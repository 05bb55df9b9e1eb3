package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/carlosandia/crm-renove-sub007/internal/scheduler"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// Scenario is one scripted editing session.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Record is the record being edited. Defaults to "record-1".
	Record string `yaml:"record,omitempty"`

	// Policy overrides the default debounce and retry timing. Unset fields
	// keep their defaults.
	Policy *PolicySpec `yaml:"policy,omitempty"`

	// Stages is the stage list loaded before the first step. Missing
	// anchors are added.
	Stages []StageSpec `yaml:"stages,omitempty"`

	// Fail maps a section to the number of leading persist calls that
	// fail. -1 fails every call.
	Fail map[string]int `yaml:"fail,omitempty"`

	// ConfirmSwitch answers the switch confirmation after a failed flush.
	// Without it the switch is refused.
	ConfirmSwitch bool `yaml:"confirm_switch,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// PolicySpec is the YAML form of scheduler.Policy.
type PolicySpec struct {
	Debounce    time.Duration `yaml:"debounce,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	BackoffBase time.Duration `yaml:"backoff_base,omitempty"`
	BackoffMax  time.Duration `yaml:"backoff_max,omitempty"`
}

// StageSpec is one stage of the initial stage list.
type StageSpec struct {
	ID       string `yaml:"id,omitempty"`
	Name     string `yaml:"name"`
	Position int    `yaml:"position,omitempty"`
	Anchor   bool   `yaml:"anchor,omitempty"`
}

// Step is one user or clock action.
type Step struct {
	Op string `yaml:"op"`

	// Section is used by mark_dirty, flush, change_section and discard.
	Section string `yaml:"section,omitempty"`

	// Payload is the edit sent by mark_dirty.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Duration is how far advance moves the clock.
	Duration time.Duration `yaml:"duration,omitempty"`

	// Stage names the stage for insert_stage, delete_stage and move_stage.
	Stage string `yaml:"stage,omitempty"`

	// Position is the position hint for insert_stage.
	Position int `yaml:"position,omitempty"`

	// Visual is the ordering the user sees when inserting. Lead, Won and
	// Lost are treated as anchors.
	Visual []string `yaml:"visual,omitempty"`

	// Direction is "up" or "down" for move_stage.
	Direction string `yaml:"direction,omitempty"`
}

// Step operations.
const (
	OpMarkDirty     = "mark_dirty"
	OpAdvance       = "advance"
	OpFlush         = "flush"
	OpSaveAll       = "save_all"
	OpChangeSection = "change_section"
	OpDiscard       = "discard"
	OpInsertStage   = "insert_stage"
	OpDeleteStage   = "delete_stage"
	OpMoveStage     = "move_stage"
)

// Assertion checks the final editor state or the trace.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	Section string `yaml:"section,omitempty"`

	// Status is the expected section status (status).
	Status string `yaml:"status,omitempty"`

	// Stages is the expected stage order as "Name:position" (stages).
	Stages []string `yaml:"stages,omitempty"`

	// Count is the expected number of persist calls (persist_count).
	Count int `yaml:"count,omitempty"`

	// Transitions is the expected status sequence of a section, starting
	// with the first from status (transitions).
	Transitions []string `yaml:"transitions,omitempty"`

	// Kind and Message match a notification (notification).
	Kind    string `yaml:"kind,omitempty"`
	Message string `yaml:"message,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus              = "status"
	AssertStages              = "stages"
	AssertPersistCount        = "persist_count"
	AssertTransitions         = "transitions"
	AssertDelaysNonDecreasing = "delays_non_decreasing"
	AssertNotification        = "notification"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// policy merges the overrides onto the default policy.
func (s *Scenario) policy() scheduler.Policy {
	p := scheduler.DefaultPolicy()
	if s.Policy == nil {
		return p
	}
	if s.Policy.Debounce > 0 {
		p.Debounce = s.Policy.Debounce
	}
	if s.Policy.MaxAttempts > 0 {
		p.MaxAttempts = s.Policy.MaxAttempts
	}
	if s.Policy.BackoffBase > 0 {
		p.BackoffBase = s.Policy.BackoffBase
	}
	if s.Policy.BackoffMax > 0 {
		p.BackoffMax = s.Policy.BackoffMax
	}
	return p
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if err := s.policy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	for name, n := range s.Fail {
		if !section.Valid(section.Name(name)) {
			return fmt.Errorf("fail: unknown section %q", name)
		}
		if n < -1 {
			return fmt.Errorf("fail[%s]: count must be -1 or more, got %d", name, n)
		}
	}
	for i, st := range s.Stages {
		if st.Name == "" {
			return fmt.Errorf("stages[%d]: name is required", i)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	needSection := func() error {
		if !section.Valid(section.Name(st.Section)) {
			return fmt.Errorf("steps[%d]: %s needs a known section, got %q", index, st.Op, st.Section)
		}
		return nil
	}
	needStage := func() error {
		if st.Stage == "" {
			return fmt.Errorf("steps[%d]: stage is required for %s", index, st.Op)
		}
		return nil
	}

	switch st.Op {
	case OpMarkDirty, OpFlush, OpChangeSection, OpDiscard:
		return needSection()
	case OpAdvance:
		if st.Duration <= 0 {
			return fmt.Errorf("steps[%d]: advance needs a positive duration", index)
		}
	case OpSaveAll:
	case OpInsertStage, OpDeleteStage:
		return needStage()
	case OpMoveStage:
		if err := needStage(); err != nil {
			return err
		}
		if st.Direction != "up" && st.Direction != "down" {
			return fmt.Errorf("steps[%d]: direction must be up or down, got %q", index, st.Direction)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needSection := func() error {
		if !section.Valid(section.Name(a.Section)) {
			return fmt.Errorf("assertions[%d]: %s needs a known section, got %q", index, a.Type, a.Section)
		}
		return nil
	}

	switch a.Type {
	case AssertStatus:
		if err := needSection(); err != nil {
			return err
		}
		if _, err := section.ParseStatus(a.Status); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertStages:
		if len(a.Stages) == 0 {
			return fmt.Errorf("assertions[%d]: stages list is required for stages", index)
		}
	case AssertPersistCount:
		if err := needSection(); err != nil {
			return err
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for persist_count", index)
		}
	case AssertTransitions:
		if err := needSection(); err != nil {
			return err
		}
		if len(a.Transitions) < 2 {
			return fmt.Errorf("assertions[%d]: transitions needs at least two statuses", index)
		}
	case AssertDelaysNonDecreasing:
		return needSection()
	case AssertNotification:
		if a.Message == "" {
			return fmt.Errorf("assertions[%d]: message is required for notification", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
