package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rollcall/internal/edit"
	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/policy"
)

// Scenario defines an attendance scenario: a seeded ledger, an engine
// configuration, a timed sequence of steps and assertions on the result.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Date is the calendar date ("2006-01-02") that step times refer to.
	Date string `yaml:"date"`

	// Timezone names the location of Date and step times. Default UTC.
	Timezone string `yaml:"timezone,omitempty"`

	// Policy configures eligibility. Defaults to a 30s cooldown, whole day.
	Policy PolicySpec `yaml:"policy,omitempty"`

	// Threshold configures confidence filtering. Defaults to 70,
	// lower is better.
	Threshold *ThresholdSpec `yaml:"threshold,omitempty"`

	// RecordRejections also appends rejections to history.
	RecordRejections bool `yaml:"record_rejections,omitempty"`

	// Students seeds the ledger before the engine starts.
	Students []StudentSpec `yaml:"students,omitempty"`

	// Flow contains the steps in execution order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the outcomes, final ledger and history.
	Assertions []Assertion `yaml:"assertions"`
}

// PolicySpec mirrors policy.Config in YAML form.
type PolicySpec struct {
	Kind     string `yaml:"kind,omitempty"`
	Cooldown string `yaml:"cooldown,omitempty"`
	Window   *struct {
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"window,omitempty"`
}

// ThresholdSpec mirrors engine.Threshold.
type ThresholdSpec struct {
	Value         float64 `yaml:"value"`
	LowerIsBetter bool    `yaml:"lower_is_better"`
}

// StudentSpec is a seeded ledger record.
type StudentSpec struct {
	ID                 int64  `yaml:"id"`
	Name               string `yaml:"name"`
	Group              string `yaml:"group,omitempty"`
	TotalAttendance    int    `yaml:"total_attendance,omitempty"`
	LastAttendanceTime string `yaml:"last_attendance_time,omitempty"`
}

// FlowStep is one step. Exactly one of observe (the default, using
// Candidate and Confidence), Enroll or Remove applies.
type FlowStep struct {
	// At is the step time: "15:04:05" on the scenario date, or a full
	// "2006-01-02 15:04:05".
	At string `yaml:"at"`

	// Candidate is the matched id; omit for an unmatched face.
	Candidate *int64 `yaml:"candidate,omitempty"`

	// Confidence is the matcher's score.
	Confidence float64 `yaml:"confidence,omitempty"`

	// Frame attaches a synthetic camera frame so a snapshot is archived.
	Frame bool `yaml:"frame,omitempty"`

	// Enroll adds a student instead of observing.
	Enroll *edit.Enrollment `yaml:"enroll,omitempty"`

	// Remove deletes a student instead of observing.
	Remove *int64 `yaml:"remove,omitempty"`

	// Expect validates the step result.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Op names the step's operation.
func (s FlowStep) Op() string {
	switch {
	case s.Enroll != nil:
		return OpEnroll
	case s.Remove != nil:
		return OpRemove
	default:
		return OpObserve
	}
}

// Step operations.
const (
	OpObserve = "observe"
	OpEnroll  = "enroll"
	OpRemove  = "remove"
)

// ExpectClause specifies the expected step result.
type ExpectClause struct {
	// Outcome is recorded|rejected|failed for observations, ok|error for
	// edits.
	Outcome string `yaml:"outcome"`

	// Reason is the rejection reason (unknown-id, low-confidence, too-soon,
	// outside-window).
	Reason string `yaml:"reason,omitempty"`

	// StudentID is the id an enrollment is expected to receive.
	StudentID int64 `yaml:"student_id,omitempty"`

	// TotalAttendance is the candidate's counter after the step.
	TotalAttendance *int `yaml:"total_attendance,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "outcome_count": steps with Outcome (and Reason) occur Count times
	// - "final_state": the ledger record for Student matches Expect
	// - "history_count": history rows for Student/Status number Count
	// - "history_order": present rows for Students appear in that order
	// - "history_monotonic": history timestamps never decrease
	Type string `yaml:"type"`

	Outcome string `yaml:"outcome,omitempty"`
	Reason  string `yaml:"reason,omitempty"`

	Student  int64   `yaml:"student,omitempty"`
	Students []int64 `yaml:"students,omitempty"`
	Status   string  `yaml:"status,omitempty"`

	// Expect contains expected record fields (final_state). Supported keys:
	// exists, name, group, total_attendance, last_attendance_time.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences. Negative values are
	// rejected at load time.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertOutcomeCount     = "outcome_count"
	AssertFinalState       = "final_state"
	AssertHistoryCount     = "history_count"
	AssertHistoryOrder     = "history_order"
	AssertHistoryMonotonic = "history_monotonic"
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

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// Location resolves the scenario timezone.
func (s *Scenario) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// PolicyConfig converts the policy section.
func (s *Scenario) PolicyConfig() (policy.Config, error) {
	loc, err := s.Location()
	if err != nil {
		return policy.Config{}, err
	}
	kind, err := policy.ParseKind(s.Policy.Kind)
	if err != nil {
		return policy.Config{}, err
	}
	cfg := policy.Config{Kind: kind, Cooldown: policy.DefaultCooldown, Location: loc}
	if s.Policy.Cooldown != "" {
		d, err := time.ParseDuration(s.Policy.Cooldown)
		if err != nil {
			return policy.Config{}, fmt.Errorf("policy.cooldown: %w", err)
		}
		cfg.Cooldown = d
		if err := cfg.Validate(); err != nil {
			return policy.Config{}, fmt.Errorf("policy.cooldown: %w", err)
		}
	}
	if w := s.Policy.Window; w != nil {
		win, err := policy.NewWindow(w.Start, w.End)
		if err != nil {
			return policy.Config{}, err
		}
		cfg.Window = win
	}
	return cfg, nil
}

// StepTime resolves a step's At against the scenario date.
func (s *Scenario) StepTime(at string) (time.Time, error) {
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, err
	}
	at = strings.TrimSpace(at)
	if !strings.Contains(at, " ") {
		at = s.Date + " " + at
	}
	t, err := time.ParseInLocation(model.TimeLayout, at, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", at, err)
	}
	return t, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Date == "" {
		return fmt.Errorf("date is required")
	}
	if _, err := time.Parse("2006-01-02", s.Date); err != nil {
		return fmt.Errorf("date: %w", err)
	}
	if _, err := s.PolicyConfig(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must have at least one step")
	}

	seen := make(map[int64]bool)
	for i, st := range s.Students {
		if st.ID <= 0 {
			return fmt.Errorf("students[%d]: id must be positive", i)
		}
		if seen[st.ID] {
			return fmt.Errorf("students[%d]: duplicate id %d", i, st.ID)
		}
		seen[st.ID] = true
		if st.Name == "" {
			return fmt.Errorf("students[%d]: name is required", i)
		}
	}

	for i, step := range s.Flow {
		if step.At == "" {
			return fmt.Errorf("flow[%d]: at is required", i)
		}
		if _, err := s.StepTime(step.At); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Enroll != nil && step.Remove != nil {
			return fmt.Errorf("flow[%d]: enroll and remove are mutually exclusive", i)
		}
		if step.Expect != nil && step.Expect.Outcome == "" {
			return fmt.Errorf("flow[%d].expect: outcome is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertOutcomeCount:
		if a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: outcome is required for outcome_count", index)
		}
	case AssertFinalState:
		if a.Student == 0 {
			return fmt.Errorf("assertions[%d]: student is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertHistoryCount:
	case AssertHistoryOrder:
		if len(a.Students) == 0 {
			return fmt.Errorf("assertions[%d]: students list is required for history_order", index)
		}
	case AssertHistoryMonotonic:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
