package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rollcall/internal/model"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithLocation(time.UTC))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestStudent creates a student with minimal required fields.
func createTestStudent(id int64, name string) model.StudentRecord {
	return model.StudentRecord{
		ID:    id,
		Name:  name,
		Group: "CSE",
	}
}

// createTestEvent creates a present event for a student at ts.
func createTestEvent(eventID string, seq, studentID int64, ts time.Time) model.AttendanceEvent {
	return model.AttendanceEvent{
		EventID:   eventID,
		Seq:       seq,
		StudentID: studentID,
		Name:      "student",
		Timestamp: ts,
		Status:    model.StatusPresent,
	}
}

// collect drains a history scan.
func collect(t *testing.T, s *Store) []model.AttendanceEvent {
	t.Helper()
	var events []model.AttendanceEvent
	for ev, err := range s.Scan(context.Background()) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}
