package model

import "time"

// StudentRecord is one enrolled identity in the ledger.
type StudentRecord struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	Group              string     `json:"group"`
	StartingYear       int        `json:"starting_year,omitempty"`
	Year               int        `json:"year,omitempty"`
	Email              string     `json:"email,omitempty"`
	Phone              string     `json:"phone,omitempty"`
	TotalAttendance    int        `json:"total_attendance"`
	LastAttendanceTime *time.Time `json:"last_attendance_time,omitempty"`
}

// Clone returns a deep copy so callers can mutate without touching the
// engine's copy.
func (r StudentRecord) Clone() StudentRecord {
	out := r
	if r.LastAttendanceTime != nil {
		t := *r.LastAttendanceTime
		out.LastAttendanceTime = &t
	}
	return out
}

// Status is the outcome recorded for an attendance event.
type Status string

const (
	// StatusPresent marks a counted attendance.
	StatusPresent Status = "present"
	// StatusTooSoon marks a rejection inside the dedup window.
	StatusTooSoon Status = "too-soon"
	// StatusOutsideWindow marks a rejection outside the time-of-day window.
	StatusOutsideWindow Status = "outside-window"
	// StatusLowConfidence marks a rejection below the acceptance threshold.
	StatusLowConfidence Status = "low-confidence"
)

// ValidStatuses lists every status a history row may carry.
var ValidStatuses = map[Status]bool{
	StatusPresent:       true,
	StatusTooSoon:       true,
	StatusOutsideWindow: true,
	StatusLowConfidence: true,
}

// FlagSnapshotMissing marks a present event without stored image evidence.
const FlagSnapshotMissing = "snapshot-missing"

// AttendanceEvent is one row of the append-only history.
type AttendanceEvent struct {
	EventID     string    `json:"event_id"`
	Seq         int64     `json:"seq"`
	StudentID   int64     `json:"student_id"`
	Name        string    `json:"name"`
	Timestamp   time.Time `json:"timestamp"`
	Status      Status    `json:"status"`
	SnapshotRef string    `json:"snapshot,omitempty"`
	Flags       []string  `json:"flags,omitempty"`
}

// HasFlag reports whether the event carries flag.
func (e AttendanceEvent) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
