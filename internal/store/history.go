package store

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/roach88/rollcall/internal/model"
)

// scanBatch is how many history rows Scan reads per query. Rows are released
// before events are yielded so the single connection stays free for writers.
const scanBatch = 256

// Append inserts an attendance event at the end of the history.
// Uses ON CONFLICT(event_id) DO NOTHING for idempotency - a retried append of
// the same event is silently ignored.
func (s *Store) Append(ctx context.Context, ev model.AttendanceEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance_history
		(event_id, seq, student_id, name, timestamp, status, snapshot, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`,
		ev.EventID,
		ev.Seq,
		ev.StudentID,
		ev.Name,
		s.formatTime(&ev.Timestamp),
		string(ev.Status),
		ev.SnapshotRef,
		model.JoinFlags(ev.Flags),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.EventID, err)
	}
	return nil
}

// Scan returns the history in insertion order.
//
// The sequence is lazy and finite; ranging over it again starts from the
// first row. Iteration stops at the first error, which is yielded with a zero
// event.
func (s *Store) Scan(ctx context.Context) iter.Seq2[model.AttendanceEvent, error] {
	return func(yield func(model.AttendanceEvent, error) bool) {
		var after int64
		for {
			batch, last, err := s.readHistoryBatch(ctx, after)
			if err != nil {
				yield(model.AttendanceEvent{}, err)
				return
			}
			for _, ev := range batch {
				if !yield(ev, nil) {
					return
				}
			}
			if len(batch) < scanBatch {
				return
			}
			after = last
		}
	}
}

// LastSeq returns the highest logical sequence number in the history, or 0.
// Used to resume the engine clock after a restart.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM attendance_history`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// readHistoryBatch reads up to scanBatch rows whose row key is greater than
// after, returning the events and the last row key read.
func (s *Store) readHistoryBatch(ctx context.Context, after int64) ([]model.AttendanceEvent, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pos, event_id, seq, student_id, name, timestamp, status, snapshot, flags
		FROM attendance_history
		WHERE pos > ?
		ORDER BY pos ASC
		LIMIT ?
	`, after, scanBatch)
	if err != nil {
		return nil, 0, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var (
		events []model.AttendanceEvent
		last   = after
	)
	for rows.Next() {
		var (
			ev               model.AttendanceEvent
			row              int64
			ts, status, flag string
		)
		if err := rows.Scan(
			&row, &ev.EventID, &ev.Seq, &ev.StudentID, &ev.Name,
			&ts, &status, &ev.SnapshotRef, &flag,
		); err != nil {
			return nil, 0, fmt.Errorf("scan history: %w", err)
		}
		if t := model.ParseTime(ts, s.loc); t != nil {
			ev.Timestamp = *t
		} else {
			ev.Timestamp = time.Time{}
		}
		ev.Status = model.Status(status)
		ev.Flags = model.SplitFlags(flag)
		events = append(events, ev)
		last = row
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate history: %w", err)
	}

	return events, last, nil
}
