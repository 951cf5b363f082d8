package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/policy"
	"github.com/roach88/rollcall/internal/store"
	"github.com/roach88/rollcall/internal/testutil"
)

var errInjected = errors.New("injected failure")

// at returns a time of day on the reference date used by engine tests.
func at(hh, mm, ss int) time.Time {
	return time.Date(2026, 3, 2, hh, mm, ss, 0, time.UTC)
}

func id(v int64) *int64 { return &v }

// createTestStore creates a file-backed SQLite store in a temp dir.
func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "rollcall.db"), store.WithLocation(time.UTC))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed writes records straight to the store, before an engine loads it.
func seed(t *testing.T, s *store.Store, recs ...model.StudentRecord) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, s.Upsert(context.Background(), r))
	}
}

func student(id int64, name string) model.StudentRecord {
	return model.StudentRecord{ID: id, Name: name, Group: "CSE", StartingYear: 2024, Year: 1}
}

func windowed(start, end string) policy.Config {
	w, err := policy.NewWindow(start, end)
	if err != nil {
		panic(err)
	}
	return policy.Config{Kind: policy.KindCooldown, Cooldown: 30 * time.Second, Window: w, Location: time.UTC}
}

// newTestEngine builds an engine with deterministic ids and closes it at
// cleanup.
func newTestEngine(t *testing.T, ledger Ledger, history History, archive Archive, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{
		WithIDGenerator(testutil.NewSequentialIDs("evt")),
		WithPolicy(windowed("09:00", "23:59")),
		WithRetryInterval(time.Hour),
		WithWriteTimeout(time.Second),
	}
	e, err := New(context.Background(), ledger, history, archive, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func collect(t *testing.T, seq iter.Seq2[model.AttendanceEvent, error]) []model.AttendanceEvent {
	t.Helper()
	var out []model.AttendanceEvent
	for ev, err := range seq {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

// flakyLedger wraps a Ledger and injects failures on demand.
type flakyLedger struct {
	Ledger
	failUpsert  atomic.Bool
	blockUpsert atomic.Bool
	panicUpsert atomic.Bool

	// stall, when set before use, holds Upsert until closed regardless of
	// ctx; the write then goes through.
	stall chan struct{}
}

func (l *flakyLedger) Upsert(ctx context.Context, rec model.StudentRecord) error {
	if l.panicUpsert.Load() {
		panic("ledger exploded")
	}
	if l.stall != nil {
		<-l.stall
		return l.Ledger.Upsert(context.Background(), rec)
	}
	if l.blockUpsert.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if l.failUpsert.Load() {
		return errInjected
	}
	return l.Ledger.Upsert(ctx, rec)
}

// flakyHistory wraps a History and fails appends while fail is set.
type flakyHistory struct {
	History
	fail    atomic.Bool
	appends atomic.Int64
}

func (h *flakyHistory) Append(ctx context.Context, ev model.AttendanceEvent) error {
	h.appends.Add(1)
	if h.fail.Load() {
		return errInjected
	}
	return h.History.Append(ctx, ev)
}

// fakeArchive records snapshot writes in memory.
type fakeArchive struct {
	mu      sync.Mutex
	stored  []string
	removed []int64
	ops     []string // "store:<id>" and "remove:<id>" in call order
	fail    bool
	started chan struct{} // receives once per Store call, if non-nil
	release chan struct{} // Store blocks until closed, if non-nil
}

func (a *fakeArchive) Ref(id int64, ts time.Time) string {
	return filepath.ToSlash(filepath.Join("snap", ts.Format("150405")))
}

func (a *fakeArchive) Store(ctx context.Context, id int64, ts time.Time, frame image.Image, region image.Rectangle) (string, error) {
	if a.started != nil {
		a.started <- struct{}{}
	}
	if a.release != nil {
		<-a.release
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return "", errInjected
	}
	ref := a.Ref(id, ts)
	a.stored = append(a.stored, ref)
	a.ops = append(a.ops, fmt.Sprintf("store:%d", id))
	return ref, nil
}

func (a *fakeArchive) RemoveStudent(id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, id)
	a.ops = append(a.ops, fmt.Sprintf("remove:%d", id))
	return nil
}

func (a *fakeArchive) Ops() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ops...)
}

func (a *fakeArchive) Stored() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.stored...)
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 64, 64))
}
