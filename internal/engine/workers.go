package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// snapshotWorker writes queued snapshots until the queue is closed and
// drained. Failures are logged and counted; they never affect the ledger.
func (e *Engine) snapshotWorker() {
	defer close(e.workerDone)

	for {
		e.archiveMu.Lock()
		job, ok := e.snapshots.Pop()
		if ok {
			e.writeSnapshot(job)
		}
		e.archiveMu.Unlock()
		if ok {
			continue
		}
		if e.snapshots.Drained() {
			return
		}
		<-e.snapshots.Wait()
	}
}

func (e *Engine) writeSnapshot(job snapshotJob) {
	ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
	defer cancel()

	ref, err := e.archive.Store(ctx, job.id, job.ts, job.frame, job.region)
	if err != nil {
		e.stats.snapshotFailures.Add(1)
		oe := &ObservationError{
			Code:      ErrCodeSnapshotFailure,
			Message:   "snapshot write failed",
			StudentID: job.id,
			Err:       err,
		}
		slog.Error("snapshot failed", "ref", job.ref, "error", oe)
		return
	}
	if ref != job.ref {
		slog.Warn("snapshot ref mismatch", "want", job.ref, "got", ref)
	}
	e.stats.snapshotsWritten.Add(1)
	slog.Debug("snapshot written", "ref", ref)
}

// historyRetrier periodically retries history appends that failed.
func (e *Engine) historyRetrier() {
	defer close(e.retryDone)

	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopRetry:
			return
		case <-ticker.C:
			if e.pending.Len() == 0 {
				continue
			}
			e.mu.Lock()
			_ = e.flushPending(context.Background())
			e.mu.Unlock()
		}
	}
}

// flushPending appends queued history events in order, stopping at the
// first failure. Caller must hold mu.
func (e *Engine) flushPending(ctx context.Context) error {
	for {
		ev, ok := e.pending.Peek()
		if !ok {
			return nil
		}

		e.stats.historyRetries.Add(1)
		err := e.bounded(ctx, func(ctx context.Context) error {
			return e.history.Append(ctx, ev)
		})
		if err != nil {
			slog.Warn("history retry failed",
				"event_id", ev.EventID,
				"pending", e.pending.Len(),
				"error", err,
			)
			return fmt.Errorf("append event %s: %w", ev.EventID, err)
		}
		e.pending.Pop()
		slog.Info("history retry succeeded", "event_id", ev.EventID, "seq", ev.Seq)
	}
}

// Close stops accepting work, waits for queued snapshots to be written and
// flushes pending history appends. The caller closes the stores afterwards.
//
// Returns an error if ctx expires first or history could not be flushed;
// the engine is closed either way.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	slog.Info("engine stopping")

	// Wait for in-flight Observe and edit calls.
	e.mu.Lock()
	e.snapshots.Close()
	e.mu.Unlock()

	close(e.stopRetry)
	<-e.retryDone

	var errs []error
	select {
	case <-e.workerDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain snapshots: %w", ctx.Err()))
	}

	e.mu.Lock()
	if err := e.flushPending(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush history: %w (%d events pending)", err, e.pending.Len()))
	}
	e.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		slog.Error("engine stopped with errors", "error", err)
		return err
	}
	slog.Info("engine stopped")
	return nil
}

// Pump feeds observations from src into Observe until src is closed or ctx
// is cancelled, passing each outcome to fn (which may be nil).
//
// Observations with a zero At are stamped with the engine's wall clock.
func (e *Engine) Pump(ctx context.Context, src <-chan Observation, fn func(Outcome)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case obs, ok := <-src:
			if !ok {
				return nil
			}
			at := obs.At
			if at.IsZero() {
				at = e.now()
			}
			out := e.Observe(ctx, obs, at)
			if fn != nil {
				fn(out)
			}
			if errors.Is(out.Err, ErrClosed) {
				return ErrClosed
			}
		}
	}
}
