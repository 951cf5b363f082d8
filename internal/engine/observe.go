package engine

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/policy"
)

// Observation is one identity result from the recognition pipeline.
type Observation struct {
	// CandidateID is the matched identity, nil when nothing matched.
	CandidateID *int64

	// Confidence is the matcher's score, interpreted by Threshold.
	Confidence float64

	// Frame is the captured image; Region the face within it. An empty
	// Region means the whole frame.
	Frame  image.Image
	Region image.Rectangle

	// At is the observation time used by Pump. Zero means now.
	At time.Time
}

// OutcomeKind classifies an observation result.
type OutcomeKind int

const (
	// Recorded means attendance was counted and persisted.
	Recorded OutcomeKind = iota + 1
	// Rejected means the observation was valid but not admitted.
	Rejected
	// Failed means a fault prevented a decision from being persisted.
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Recorded:
		return "recorded"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Reason explains a rejection.
type Reason string

const (
	ReasonUnknownID     Reason = "unknown-id"
	ReasonLowConfidence Reason = "low-confidence"
	ReasonTooSoon       Reason = "too-soon"
	ReasonOutsideWindow Reason = "outside-window"
)

// Outcome is the explicit result of every Observe call.
type Outcome struct {
	Kind      OutcomeKind
	Reason    Reason // set when Kind == Rejected
	StudentID int64

	// Record is the committed record after a Recorded outcome.
	Record *model.StudentRecord

	// Event is the history event for Recorded outcomes and, with
	// WithRecordRejections, for recorded rejections.
	Event *model.AttendanceEvent

	// Err is an *ObservationError for Rejected and Failed outcomes.
	Err error
}

// Observe evaluates one observation at time now and, when it is eligible,
// records attendance durably before returning.
//
// Evaluation order: identity, then confidence, then the eligibility policy.
// A failed ledger write leaves the in-memory ledger untouched and returns
// Failed. Observe never panics.
func (e *Engine) Observe(ctx context.Context, obs Observation, now time.Time) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observe panicked", "panic", r)
			e.stats.failed.Add(1)
			out = Outcome{
				Kind: Failed,
				Err:  &ObservationError{Code: ErrCodeDurableWriteFailure, Message: fmt.Sprintf("internal error: %v", r)},
			}
			if obs.CandidateID != nil {
				out.StudentID = *obs.CandidateID
			}
		}
	}()

	if e.closed.Load() {
		e.stats.failed.Add(1)
		return Outcome{Kind: Failed, Err: ErrClosed}
	}
	e.stats.observed.Add(1)

	if obs.CandidateID == nil {
		return e.reject(0, ReasonUnknownID, ErrCodeUnknownIdentity, "no candidate")
	}
	id := *obs.CandidateID

	e.mu.Lock()
	defer e.mu.Unlock()

	e.resync(ctx)
	rec, ok := e.records[id]
	if !ok {
		return e.reject(id, ReasonUnknownID, ErrCodeUnknownIdentity, "candidate not enrolled")
	}

	if !e.threshold.Accepts(obs.Confidence) {
		out := e.reject(id, ReasonLowConfidence, ErrCodeLowConfidence,
			fmt.Sprintf("confidence %g fails threshold %g", obs.Confidence, e.threshold.Value))
		e.recordRejection(ctx, rec, now, model.StatusLowConfidence, &out)
		return out
	}

	switch policy.Evaluate(rec.LastAttendanceTime, now, e.policy) {
	case policy.TooSoon:
		out := e.reject(id, ReasonTooSoon, ErrCodeNotEligible, "attendance already recorded")
		e.recordRejection(ctx, rec, now, model.StatusTooSoon, &out)
		return out
	case policy.OutsideWindow:
		out := e.reject(id, ReasonOutsideWindow, ErrCodeNotEligible,
			fmt.Sprintf("outside window %s", e.policy.Window))
		e.recordRejection(ctx, rec, now, model.StatusOutsideWindow, &out)
		return out
	}

	return e.admit(ctx, rec, obs, now)
}

// admit persists an eligible observation. Caller must hold mu.
func (e *Engine) admit(ctx context.Context, rec model.StudentRecord, obs Observation, now time.Time) Outcome {
	prevStamp := e.lastStamp
	ts := e.stamp(now)

	next := rec.Clone()
	next.TotalAttendance++
	next.LastAttendanceTime = &ts

	err := e.bounded(ctx, func(ctx context.Context) error {
		return e.ledger.Upsert(ctx, next)
	})
	if err != nil {
		e.markStale(rec.ID, err)
		e.lastStamp = prevStamp
		e.stats.failed.Add(1)
		slog.Error("ledger write failed",
			"id", rec.ID,
			"error", err,
		)
		return Outcome{Kind: Failed, StudentID: rec.ID, Err: newWriteFailure(rec.ID, err)}
	}
	e.records[rec.ID] = next

	ev := model.AttendanceEvent{
		EventID:   e.ids.Generate(),
		Seq:       e.clock.Next(),
		StudentID: rec.ID,
		Name:      rec.Name,
		Timestamp: ts,
		Status:    model.StatusPresent,
	}
	e.attachSnapshot(&ev, obs)
	e.appendHistory(ctx, ev)

	e.stats.recorded.Add(1)
	slog.Info("attendance recorded",
		"id", rec.ID,
		"name", rec.Name,
		"total", next.TotalAttendance,
		"seq", ev.Seq,
	)

	committed := next.Clone()
	return Outcome{Kind: Recorded, StudentID: rec.ID, Record: &committed, Event: &ev}
}

// attachSnapshot queues the snapshot for ev, or flags it missing.
// Caller must hold mu.
func (e *Engine) attachSnapshot(ev *model.AttendanceEvent, obs Observation) {
	missing := func(why string) {
		ev.Flags = append(ev.Flags, model.FlagSnapshotMissing)
		slog.Warn("snapshot missing", "id", ev.StudentID, "seq", ev.Seq, "reason", why)
	}

	switch {
	case e.archive == nil:
		missing("no archive")
		return
	case obs.Frame == nil:
		missing("no frame")
		return
	case !obs.Region.Empty() && obs.Region.Intersect(obs.Frame.Bounds()).Empty():
		missing("region outside frame")
		return
	}

	job := snapshotJob{
		id:     ev.StudentID,
		ts:     ev.Timestamp,
		ref:    e.archive.Ref(ev.StudentID, ev.Timestamp),
		frame:  obs.Frame,
		region: obs.Region,
	}
	if !e.snapshots.Push(job) {
		e.stats.snapshotsDropped.Add(1)
		missing("snapshot queue full")
		return
	}
	ev.SnapshotRef = job.ref
}

// reject builds a Rejected outcome.
func (e *Engine) reject(id int64, reason Reason, code ErrorCode, msg string) Outcome {
	e.stats.rejected.Add(1)
	slog.Debug("observation rejected", "id", id, "reason", reason)
	return Outcome{
		Kind:      Rejected,
		Reason:    reason,
		StudentID: id,
		Err:       newRejection(code, id, reason, msg),
	}
}

// recordRejection appends a rejection to history when enabled.
// Caller must hold mu.
func (e *Engine) recordRejection(ctx context.Context, rec model.StudentRecord, now time.Time, status model.Status, out *Outcome) {
	if !e.recordRejections {
		return
	}
	ev := model.AttendanceEvent{
		EventID:   e.ids.Generate(),
		Seq:       e.clock.Next(),
		StudentID: rec.ID,
		Name:      rec.Name,
		Timestamp: e.stamp(now),
		Status:    status,
	}
	e.appendHistory(ctx, ev)
	out.Event = &ev
}

// appendHistory appends ev, or queues it behind earlier failures so history
// order is preserved. Caller must hold mu.
func (e *Engine) appendHistory(ctx context.Context, ev model.AttendanceEvent) {
	if e.pending.Len() > 0 {
		e.pending.Push(ev)
		slog.Warn("history append deferred", "event_id", ev.EventID, "pending", e.pending.Len())
		return
	}

	err := e.bounded(ctx, func(ctx context.Context) error {
		return e.history.Append(ctx, ev)
	})
	if err != nil {
		e.pending.Push(ev)
		slog.Error("history append failed, queued for retry",
			"event_id", ev.EventID,
			"seq", ev.Seq,
			"error", err,
		)
	}
}
