package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/policy"
)

// Ledger is the durable id → StudentRecord store.
// Implemented by store.Store (SQLite) and csvstore.Ledger.
type Ledger interface {
	Get(ctx context.Context, id int64) (model.StudentRecord, error)
	Upsert(ctx context.Context, rec model.StudentRecord) error
	Remove(ctx context.Context, id int64) error
	List(ctx context.Context) ([]model.StudentRecord, error)
	NextID(ctx context.Context) (int64, error)
}

// History is the append-only attendance log.
// Implemented by store.Store (SQLite) and csvstore.History.
// Append must be idempotent by EventID.
type History interface {
	Append(ctx context.Context, ev model.AttendanceEvent) error
	LastSeq(ctx context.Context) (int64, error)
}

// Archive stores snapshot images. Implemented by snapshot.Archive.
type Archive interface {
	Ref(id int64, ts time.Time) string
	Store(ctx context.Context, id int64, ts time.Time, frame image.Image, region image.Rectangle) (string, error)
	RemoveStudent(id int64) error
}

// Threshold is the confidence acceptance rule. With LowerIsBetter the
// matcher reports a distance and values up to Value pass; otherwise values
// from Value up pass. NaN never passes.
type Threshold struct {
	Value         float64
	LowerIsBetter bool
}

// DefaultThreshold matches an LBPH-style distance.
var DefaultThreshold = Threshold{Value: 70, LowerIsBetter: true}

// Accepts reports whether confidence passes the threshold.
func (t Threshold) Accepts(confidence float64) bool {
	if math.IsNaN(confidence) {
		return false
	}
	if t.LowerIsBetter {
		return confidence <= t.Value
	}
	return confidence >= t.Value
}

// Default tunables.
const (
	DefaultWriteTimeout      = 5 * time.Second
	DefaultRetryInterval     = 2 * time.Second
	DefaultSnapshotQueueSize = 64
)

// Engine is the single owner of the attendance ledger.
//
// Thread-safety model:
//   - Observe, Enroll, Update, Remove: safe from any goroutine, linearized
//     by mu
//   - Get, List, Stats: safe from any goroutine
//   - Close: call once; later calls fail with ErrClosed
//
// INVARIANTS:
//   - records mirrors the ledger store; it changes only after a durable
//     write succeeded, or on reload after an abandoned write returned
//   - TotalAttendance never decreases and LastAttendanceTime never moves
//     backwards
//   - history events are appended (or queued for retry) in admission order
type Engine struct {
	ledger  Ledger
	history History
	archive Archive
	clock   *Clock
	ids     IDGenerator
	now     func() time.Time

	policy           policy.Config
	threshold        Threshold
	writeTimeout     time.Duration
	retryInterval    time.Duration
	recordRejections bool
	snapshotQueue    int

	mu        sync.Mutex
	records   map[int64]model.StudentRecord
	stale     map[int64]<-chan struct{} // ids with abandoned writes
	lastStamp time.Time                 // last history timestamp, for monotonic clamping

	pending   *fifo[model.AttendanceEvent] // history events awaiting retry
	snapshots *fifo[snapshotJob]
	archiveMu sync.Mutex // held while a snapshot is popped and written

	closed     atomic.Bool
	stopRetry  chan struct{}
	workerDone chan struct{}
	retryDone  chan struct{}

	stats counters
}

type snapshotJob struct {
	id     int64
	ts     time.Time
	ref    string
	frame  image.Image
	region image.Rectangle
}

type counters struct {
	observed         atomic.Uint64
	recorded         atomic.Uint64
	rejected         atomic.Uint64
	failed           atomic.Uint64
	snapshotsWritten atomic.Uint64
	snapshotsDropped atomic.Uint64
	snapshotFailures atomic.Uint64
	historyRetries   atomic.Uint64
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	Students         int    `json:"students"`
	Observed         uint64 `json:"observed"`
	Recorded         uint64 `json:"recorded"`
	Rejected         uint64 `json:"rejected"`
	Failed           uint64 `json:"failed"`
	SnapshotsWritten uint64 `json:"snapshots_written"`
	SnapshotsDropped uint64 `json:"snapshots_dropped"`
	SnapshotFailures uint64 `json:"snapshot_failures"`
	SnapshotsQueued  int    `json:"snapshots_queued"`
	HistoryPending   int    `json:"history_pending"`
	HistoryRetries   uint64 `json:"history_retries"`
	Seq              int64  `json:"seq"`
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithPolicy sets the eligibility policy.
// Default: cooldown of 30s, whole day window.
func WithPolicy(cfg policy.Config) EngineOption {
	return func(e *Engine) { e.policy = cfg }
}

// WithThreshold sets the confidence threshold.
func WithThreshold(t Threshold) EngineOption {
	return func(e *Engine) { e.threshold = t }
}

// WithWriteTimeout bounds each durable ledger and history write.
func WithWriteTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.writeTimeout = d }
}

// WithRetryInterval sets how often failed history appends are retried.
func WithRetryInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.retryInterval = d }
}

// WithRecordRejections also appends policy and confidence rejections to
// history, with the rejection reason as status.
func WithRecordRejections(on bool) EngineOption {
	return func(e *Engine) { e.recordRejections = on }
}

// WithSnapshotQueue sets the snapshot queue capacity.
func WithSnapshotQueue(n int) EngineOption {
	return func(e *Engine) { e.snapshotQueue = n }
}

// WithIDGenerator replaces the UUIDv7 event id generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithClock replaces the logical clock. By default the clock resumes after
// the history store's last seq.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithNow sets the wall clock used by Pump for observations without a time.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// New loads the ledger into memory and starts the snapshot worker and the
// history retrier. archive may be nil, in which case every recorded event
// is flagged snapshot-missing.
func New(ctx context.Context, ledger Ledger, history History, archive Archive, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		ledger:        ledger,
		history:       history,
		archive:       archive,
		ids:           UUIDv7Generator{},
		now:           time.Now,
		policy:        policy.Config{Kind: policy.DefaultKind, Cooldown: policy.DefaultCooldown},
		threshold:     DefaultThreshold,
		writeTimeout:  DefaultWriteTimeout,
		retryInterval: DefaultRetryInterval,
		snapshotQueue: DefaultSnapshotQueueSize,
		records:       make(map[int64]model.StudentRecord),
		stale:         make(map[int64]<-chan struct{}),
		stopRetry:     make(chan struct{}),
		workerDone:    make(chan struct{}),
		retryDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	recs, err := ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	for _, r := range recs {
		e.records[r.ID] = r
		if r.LastAttendanceTime != nil && r.LastAttendanceTime.After(e.lastStamp) {
			e.lastStamp = *r.LastAttendanceTime
		}
	}

	if e.clock == nil {
		last, err := history.LastSeq(ctx)
		if err != nil {
			return nil, fmt.Errorf("read history position: %w", err)
		}
		e.clock = NewClockAt(last)
	}

	e.pending = newFIFO[model.AttendanceEvent](0)
	e.snapshots = newFIFO[snapshotJob](e.snapshotQueue)

	go e.snapshotWorker()
	go e.historyRetrier()

	slog.Info("engine started",
		"students", len(e.records),
		"seq", e.clock.Current(),
		"policy", e.policy.Kind,
		"window", e.policy.Window.String(),
	)
	return e, nil
}

// Get returns a copy of the record for id.
func (e *Engine) Get(id int64) (model.StudentRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resync(context.Background())
	rec, ok := e.records[id]
	if !ok {
		return model.StudentRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns copies of all records ordered by id.
func (e *Engine) List() []model.StudentRecord {
	e.mu.Lock()
	e.resync(context.Background())
	out := make([]model.StudentRecord, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r.Clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	students := len(e.records)
	e.mu.Unlock()

	return Stats{
		Students:         students,
		Observed:         e.stats.observed.Load(),
		Recorded:         e.stats.recorded.Load(),
		Rejected:         e.stats.rejected.Load(),
		Failed:           e.stats.failed.Load(),
		SnapshotsWritten: e.stats.snapshotsWritten.Load(),
		SnapshotsDropped: e.stats.snapshotsDropped.Load(),
		SnapshotFailures: e.stats.snapshotFailures.Load(),
		SnapshotsQueued:  e.snapshots.Len(),
		HistoryPending:   e.pending.Len(),
		HistoryRetries:   e.stats.historyRetries.Load(),
		Seq:              e.clock.Current(),
	}
}

// Policy returns the eligibility policy in effect.
func (e *Engine) Policy() policy.Config {
	return e.policy
}

// stamp returns now at whole-second resolution, the precision both stores
// persist, clamped so history timestamps never decrease.
// Caller must hold mu.
func (e *Engine) stamp(now time.Time) time.Time {
	now = now.Truncate(time.Second)
	if now.Before(e.lastStamp) {
		slog.Warn("wall clock behind last event, clamping",
			"now", now,
			"last", e.lastStamp,
		)
		return e.lastStamp
	}
	e.lastStamp = now
	return now
}

// writeCtx bounds a single durable write.
func (e *Engine) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.writeTimeout)
}

// abandonedWriteError reports a store call still running when the write
// timeout expired. done is closed once the call returns; until then the
// store may or may not reflect the write.
type abandonedWriteError struct {
	done <-chan struct{}
	err  error
}

func (e *abandonedWriteError) Error() string {
	return fmt.Sprintf("write abandoned: %v", e.err)
}

func (e *abandonedWriteError) Unwrap() error { return e.err }

// bounded runs one store call under the write timeout. The call runs on its
// own goroutine so a store that ignores ctx cannot hold mu past the
// deadline; in that case an *abandonedWriteError is returned.
func (e *Engine) bounded(ctx context.Context, call func(context.Context) error) error {
	wctx, cancel := e.writeCtx(ctx)
	defer cancel()

	result := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("store panicked: %v", r)
			}
		}()
		result <- call(wctx)
	}()

	select {
	case err := <-result:
		return err
	case <-wctx.Done():
		select {
		case err := <-result:
			return err
		default:
		}
		return &abandonedWriteError{done: done, err: wctx.Err()}
	}
}

// markStale remembers that a write for id was abandoned, so the record is
// reloaded from the ledger once that write has returned. Caller must hold mu.
func (e *Engine) markStale(id int64, err error) {
	var aw *abandonedWriteError
	if errors.As(err, &aw) {
		e.stale[id] = aw.done
		slog.Warn("ledger write abandoned, record will be reloaded", "id", id)
	}
}

// resync reloads records whose abandoned writes have since returned.
// Records with writes still in flight keep their last committed value.
// Caller must hold mu.
func (e *Engine) resync(ctx context.Context) {
	if len(e.stale) == 0 {
		return
	}
	var settled []int64
	for id, done := range e.stale {
		select {
		case <-done:
			settled = append(settled, id)
		default:
		}
	}
	if len(settled) == 0 {
		return
	}

	var recs []model.StudentRecord
	err := e.bounded(ctx, func(ctx context.Context) error {
		var err error
		recs, err = e.ledger.List(ctx)
		return err
	})
	if err != nil {
		slog.Warn("ledger reload failed", "error", err)
		return
	}
	byID := make(map[int64]model.StudentRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	for _, id := range settled {
		delete(e.stale, id)
		r, ok := byID[id]
		if !ok {
			delete(e.records, id)
			continue
		}
		e.records[id] = r
		if r.LastAttendanceTime != nil && r.LastAttendanceTime.After(e.lastStamp) {
			e.lastStamp = *r.LastAttendanceTime
		}
		slog.Info("record reloaded after abandoned write", "id", id, "total", r.TotalAttendance)
	}
}
