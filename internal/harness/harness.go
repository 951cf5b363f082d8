package harness

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"strconv"

	"github.com/roach88/rollcall/internal/engine"
	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/snapshot"
	"github.com/roach88/rollcall/internal/store"
	"github.com/roach88/rollcall/internal/testutil"
)

// Harness holds the per-scenario engine and stores.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	engine   *engine.Engine
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
//  1. Create fresh in-memory database and seed students
//  2. Start an engine with the scenario's policy and threshold
//  3. Execute flow steps with expect validation
//  4. Close the engine (drains snapshots, flushes history)
//  5. Evaluate assertions against the trace, ledger and history
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	loc, err := scenario.Location()
	if err != nil {
		return nil, fmt.Errorf("scenario timezone: %w", err)
	}
	pcfg, err := scenario.PolicyConfig()
	if err != nil {
		return nil, fmt.Errorf("scenario policy: %w", err)
	}

	st, err := store.Open(":memory:", store.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	for _, s := range scenario.Students {
		rec := model.StudentRecord{
			ID:                 s.ID,
			Name:               s.Name,
			Group:              s.Group,
			TotalAttendance:    s.TotalAttendance,
			LastAttendanceTime: model.ParseTime(s.LastAttendanceTime, loc),
		}
		if err := st.Upsert(ctx, rec); err != nil {
			return nil, fmt.Errorf("seed student %d: %w", s.ID, err)
		}
	}

	dir, err := os.MkdirTemp("", "rollcall-scenario-")
	if err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	defer os.RemoveAll(dir)

	opts := []engine.EngineOption{
		engine.WithIDGenerator(testutil.NewSequentialIDs("evt")),
		engine.WithPolicy(pcfg),
		engine.WithRecordRejections(scenario.RecordRejections),
	}
	if t := scenario.Threshold; t != nil {
		opts = append(opts, engine.WithThreshold(engine.Threshold{Value: t.Value, LowerIsBetter: t.LowerIsBetter}))
	}

	eng, err := engine.New(ctx, st, st, snapshot.New(dir, snapshot.WithSize(32)), opts...)
	if err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	h := &Harness{scenario: scenario, store: st, engine: eng}
	result := NewResult()

	if err := h.executeFlow(ctx, result); err != nil {
		_ = eng.Close(ctx)
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}
	if err := eng.Close(ctx); err != nil {
		result.AddError(fmt.Sprintf("engine close: %v", err))
	}

	if err := h.collectState(ctx, result); err != nil {
		return nil, err
	}

	actx := &AssertionContext{Store: st, Ctx: ctx, Location: loc}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeFlow runs each step in order.
func (h *Harness) executeFlow(ctx context.Context, result *Result) error {
	for i, step := range h.scenario.Flow {
		now, err := h.scenario.StepTime(step.At)
		if err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}

		ev := TraceEvent{Step: i + 1, Op: step.Op(), At: now.Format(model.TimeLayout)}
		switch step.Op() {
		case OpEnroll:
			rec, err := h.engine.Enroll(ctx, *step.Enroll)
			if err != nil {
				ev.Outcome = "error"
			} else {
				ev.Outcome = "ok"
				ev.StudentID = rec.ID
			}
		case OpRemove:
			ev.StudentID = *step.Remove
			if err := h.engine.Remove(ctx, *step.Remove); err != nil {
				ev.Outcome = "error"
			} else {
				ev.Outcome = "ok"
			}
		default:
			obs := engine.Observation{CandidateID: step.Candidate, Confidence: step.Confidence}
			if step.Frame {
				obs.Frame = syntheticFrame()
			}
			out := h.engine.Observe(ctx, obs, now)
			ev.StudentID = out.StudentID
			ev.Outcome = out.Kind.String()
			ev.Reason = string(out.Reason)
			if out.Event != nil {
				ev.Seq = out.Event.Seq
				ev.EventID = out.Event.EventID
			}
		}

		if ev.StudentID != 0 {
			if rec, err := h.engine.Get(ev.StudentID); err == nil {
				total := rec.TotalAttendance
				ev.TotalAttendance = &total
			}
		}
		result.Trace = append(result.Trace, ev)

		if step.Expect != nil {
			for _, msg := range checkExpect(i, step.Expect, ev) {
				result.AddError(msg)
			}
		}
	}
	return nil
}

// checkExpect compares a step result with its expect clause.
func checkExpect(i int, want *ExpectClause, got TraceEvent) []string {
	var errs []string
	prefix := fmt.Sprintf("flow[%d] (%s at %s)", i, got.Op, got.At)

	if want.Outcome != got.Outcome {
		errs = append(errs, fmt.Sprintf("%s: expected outcome %q, got %q (reason %q)", prefix, want.Outcome, got.Outcome, got.Reason))
	}
	if want.Reason != "" && want.Reason != got.Reason {
		errs = append(errs, fmt.Sprintf("%s: expected reason %q, got %q", prefix, want.Reason, got.Reason))
	}
	if want.StudentID != 0 && want.StudentID != got.StudentID {
		errs = append(errs, fmt.Sprintf("%s: expected student %d, got %d", prefix, want.StudentID, got.StudentID))
	}
	if want.TotalAttendance != nil {
		switch {
		case got.TotalAttendance == nil:
			errs = append(errs, fmt.Sprintf("%s: expected total_attendance %d, student not in ledger", prefix, *want.TotalAttendance))
		case *got.TotalAttendance != *want.TotalAttendance:
			errs = append(errs, fmt.Sprintf("%s: expected total_attendance %d, got %d", prefix, *want.TotalAttendance, *got.TotalAttendance))
		}
	}
	return errs
}

// collectState copies the final ledger and history into the result.
func (h *Harness) collectState(ctx context.Context, result *Result) error {
	recs, err := h.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list students: %w", err)
	}
	for _, r := range recs {
		result.Students = append(result.Students, StudentState{
			ID:                 r.ID,
			Name:               r.Name,
			Group:              r.Group,
			TotalAttendance:    r.TotalAttendance,
			LastAttendanceTime: model.FormatTime(r.LastAttendanceTime),
		})
	}

	for ev, err := range h.store.Scan(ctx) {
		if err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		result.History = append(result.History, HistoryRow{
			Seq:       ev.Seq,
			EventID:   ev.EventID,
			StudentID: ev.StudentID,
			Name:      ev.Name,
			Timestamp: ev.Timestamp.Format(model.TimeLayout),
			Status:    string(ev.Status),
			Snapshot:  ev.SnapshotRef,
			Flags:     ev.Flags,
		})
	}
	return nil
}

// syntheticFrame is a small gradient standing in for a camera frame.
func syntheticFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	return img
}

// itoa is used by assertion messages.
func itoa(v int64) string { return strconv.FormatInt(v, 10) }
