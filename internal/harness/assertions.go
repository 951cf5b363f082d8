package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/store"
)

// AssertionContext provides the stores that state assertions read.
type AssertionContext struct {
	Store    *store.Store
	Ctx      context.Context
	Location *time.Location
}

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
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s id=%d %s", ev.Step, ev.At, ev.Op, ev.StudentID, ev.Outcome)
			if ev.Reason != "" {
				fmt.Fprintf(&buf, " (%s)", ev.Reason)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertOutcomeCount:
			err = assertOutcomeCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(actx, result.Trace, a)
		case AssertHistoryCount:
			err = assertHistoryCount(result.History, a)
		case AssertHistoryOrder:
			err = assertHistoryOrder(result.History, a)
		case AssertHistoryMonotonic:
			err = assertHistoryMonotonic(result.History)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertOutcomeCount checks how many steps produced an outcome (and reason).
func assertOutcomeCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Outcome == a.Outcome && (a.Reason == "" || ev.Reason == a.Reason) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}

	what := a.Outcome
	if a.Reason != "" {
		what += "(" + a.Reason + ")"
	}
	return &AssertionError{
		Type:     AssertOutcomeCount,
		Expected: fmt.Sprintf("%s occurs %d times", what, a.Count),
		Actual:   fmt.Sprintf("%s occurs %d times", what, count),
		Trace:    trace,
	}
}

// assertFinalState reads the student from the ledger store and compares the
// expected fields.
func assertFinalState(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	rec, err := actx.Store.Get(actx.Ctx, a.Student)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read student %d: %w", a.Student, err)
	}

	var mismatches []string
	for key, want := range a.Expect {
		var got any
		switch key {
		case "exists":
			got = exists
		case "name":
			got = rec.Name
		case "group":
			got = rec.Group
		case "total_attendance":
			got = rec.TotalAttendance
		case "last_attendance_time":
			got = model.FormatTime(rec.LastAttendanceTime)
		default:
			return fmt.Errorf("final_state: unsupported field %q", key)
		}
		if key != "exists" && !exists {
			mismatches = append(mismatches, fmt.Sprintf("%s: student %d not in ledger", key, a.Student))
			continue
		}
		if fmt.Sprint(want) != fmt.Sprint(got) {
			mismatches = append(mismatches, fmt.Sprintf("%s: want %v, got %v", key, want, got))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("student %s matches %v", itoa(a.Student), a.Expect),
		Actual:   strings.Join(mismatches, "; "),
		Trace:    trace,
	}
}

// assertHistoryCount counts history rows, optionally filtered by student
// and status.
func assertHistoryCount(history []HistoryRow, a Assertion) error {
	count := 0
	for _, row := range history {
		if a.Student != 0 && row.StudentID != a.Student {
			continue
		}
		if a.Status != "" && row.Status != a.Status {
			continue
		}
		count++
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertHistoryCount,
		Expected: fmt.Sprintf("%d rows (student=%d status=%q)", a.Count, a.Student, a.Status),
		Actual:   fmt.Sprintf("%d rows", count),
	}
}

// assertHistoryOrder checks that present rows for the listed students occur
// in that order. Other rows may be interleaved.
func assertHistoryOrder(history []HistoryRow, a Assertion) error {
	next := 0
	for _, row := range history {
		if next == len(a.Students) {
			break
		}
		if row.Status == string(model.StatusPresent) && row.StudentID == a.Students[next] {
			next++
		}
	}
	if next == len(a.Students) {
		return nil
	}
	return &AssertionError{
		Type:     AssertHistoryOrder,
		Expected: fmt.Sprintf("present rows in order %v", a.Students),
		Actual:   fmt.Sprintf("student %d not found after position %d", a.Students[next], next),
	}
}

// assertHistoryMonotonic checks that timestamps and seqs never decrease.
func assertHistoryMonotonic(history []HistoryRow) error {
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		// TimeLayout sorts lexically.
		if cur.Timestamp < prev.Timestamp || cur.Seq <= prev.Seq {
			return &AssertionError{
				Type:     AssertHistoryMonotonic,
				Expected: "non-decreasing timestamps and increasing seq",
				Actual: fmt.Sprintf("row %d (%s seq %d) after row %d (%s seq %d)",
					i, cur.Timestamp, cur.Seq, i-1, prev.Timestamp, prev.Seq),
			}
		}
	}
	return nil
}
