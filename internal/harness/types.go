package harness

// TraceEvent records one executed step.
type TraceEvent struct {
	Step            int    `json:"step"`
	Op              string `json:"op"`
	At              string `json:"at"`
	StudentID       int64  `json:"student_id,omitempty"`
	Outcome         string `json:"outcome"`
	Reason          string `json:"reason,omitempty"`
	TotalAttendance *int   `json:"total_attendance,omitempty"`
	Seq             int64  `json:"seq,omitempty"`
	EventID         string `json:"event_id,omitempty"`
}

// HistoryRow is a history event in golden form.
type HistoryRow struct {
	Seq       int64    `json:"seq"`
	EventID   string   `json:"event_id"`
	StudentID int64    `json:"student_id"`
	Name      string   `json:"name"`
	Timestamp string   `json:"timestamp"`
	Status    string   `json:"status"`
	Snapshot  string   `json:"snapshot,omitempty"`
	Flags     []string `json:"flags,omitempty"`
}

// StudentState is a final ledger record in golden form.
type StudentState struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Group              string `json:"group"`
	TotalAttendance    int    `json:"total_attendance"`
	LastAttendanceTime string `json:"last_attendance_time,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains one event per executed step.
	Trace []TraceEvent `json:"trace"`

	// History is the history log after the engine was closed.
	History []HistoryRow `json:"history"`

	// Students is the final ledger ordered by id.
	Students []StudentState `json:"students"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		History:  []HistoryRow{},
		Students: []StudentState{},
		Errors:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
