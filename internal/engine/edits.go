package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/rollcall/internal/edit"
	"github.com/roach88/rollcall/internal/model"
)

// Enroll validates req, assigns the next id and persists the new record.
// Ids come from the ledger store and are never reused.
func (e *Engine) Enroll(ctx context.Context, req edit.Enrollment) (model.StudentRecord, error) {
	if e.closed.Load() {
		return model.StudentRecord{}, ErrClosed
	}
	if _, err := req.Record(0); err != nil {
		return model.StudentRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.resync(ctx)

	var id int64
	err := e.bounded(ctx, func(ctx context.Context) error {
		var err error
		id, err = e.ledger.NextID(ctx)
		return err
	})
	if err != nil {
		return model.StudentRecord{}, fmt.Errorf("assign id: %w", err)
	}
	rec, err := req.Record(id)
	if err != nil {
		return model.StudentRecord{}, err
	}
	err = e.bounded(ctx, func(ctx context.Context) error {
		return e.ledger.Upsert(ctx, rec)
	})
	if err != nil {
		e.markStale(id, err)
		return model.StudentRecord{}, fmt.Errorf("enroll %d: %w", id, err)
	}
	e.records[id] = rec

	slog.Info("student enrolled", "id", id, "name", rec.Name, "group", rec.Group)
	return rec.Clone(), nil
}

// Update applies p to the record for id. Attendance counters may only move
// forward.
func (e *Engine) Update(ctx context.Context, id int64, p edit.Patch) (model.StudentRecord, error) {
	if e.closed.Load() {
		return model.StudentRecord{}, ErrClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.resync(ctx)
	rec, ok := e.records[id]
	if !ok {
		return model.StudentRecord{}, ErrNotFound
	}
	if p.Empty() {
		return rec.Clone(), nil
	}

	next, err := edit.Apply(rec, p)
	if err != nil {
		return model.StudentRecord{}, err
	}

	err = e.bounded(ctx, func(ctx context.Context) error {
		return e.ledger.Upsert(ctx, next)
	})
	if err != nil {
		e.markStale(id, err)
		return model.StudentRecord{}, fmt.Errorf("update %d: %w", id, err)
	}
	e.records[id] = next

	slog.Info("student updated", "id", id)
	return next.Clone(), nil
}

// Remove deletes the record for id and, best-effort, its snapshots and
// enrollment images. History rows are kept.
func (e *Engine) Remove(ctx context.Context, id int64) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.resync(ctx)
	if _, ok := e.records[id]; !ok {
		return ErrNotFound
	}

	err := e.bounded(ctx, func(ctx context.Context) error {
		return e.ledger.Remove(ctx, id)
	})
	if err != nil {
		e.markStale(id, err)
		return fmt.Errorf("remove %d: %w", id, err)
	}
	delete(e.records, id)

	if e.archive != nil {
		// Waits out a snapshot being written; no job for id can start after
		// the drop.
		e.archiveMu.Lock()
		if n := e.snapshots.DropFunc(func(j snapshotJob) bool { return j.id == id }); n > 0 {
			slog.Debug("dropped queued snapshots", "id", id, "count", n)
		}
		if err := e.archive.RemoveStudent(id); err != nil {
			slog.Warn("remove student images failed", "id", id, "error", err)
		}
		e.archiveMu.Unlock()
	}

	slog.Info("student removed", "id", id)
	return nil
}
