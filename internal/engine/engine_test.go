package engine

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/policy"
)

func TestObserve_FirstAttendanceRecorded(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e := newTestEngine(t, s, s, nil)

	out := e.Observe(context.Background(), Observation{CandidateID: id(100000), Confidence: 40}, at(10, 0, 0))

	require.Equal(t, Recorded, out.Kind, "err: %v", out.Err)
	require.NotNil(t, out.Record)
	assert.Equal(t, 1, out.Record.TotalAttendance)
	assert.True(t, out.Record.LastAttendanceTime.Equal(at(10, 0, 0)))

	stored, err := s.Get(context.Background(), 100000)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TotalAttendance, "record must be durable before Observe returns")

	events := collect(t, s.Scan(context.Background()))
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusPresent, events[0].Status)
	assert.Equal(t, "evt-0001", events[0].EventID)
	assert.Equal(t, int64(1), events[0].Seq)
}

func TestObserve_SecondWithinCooldownTooSoon(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e := newTestEngine(t, s, s, nil)
	ctx := context.Background()

	require.Equal(t, Recorded, e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 40}, at(10, 0, 0)).Kind)

	out := e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 40}, at(10, 0, 10))
	assert.Equal(t, Rejected, out.Kind)
	assert.Equal(t, ReasonTooSoon, out.Reason)
	assert.True(t, IsNotEligible(out.Err))

	rec, err := e.Get(100000)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TotalAttendance)
	assert.Len(t, collect(t, s.Scan(ctx)), 1, "rejections are not recorded by default")
}

func TestObserve_UnknownIdentity(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e := newTestEngine(t, s, s, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		obs  Observation
	}{
		{"not enrolled, good confidence", Observation{CandidateID: id(999999), Confidence: 1}},
		{"not enrolled, bad confidence", Observation{CandidateID: id(999999), Confidence: 500}},
		{"not enrolled, NaN confidence", Observation{CandidateID: id(999999), Confidence: math.NaN()}},
		{"no candidate", Observation{Confidence: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Observe(ctx, tt.obs, at(10, 0, 0))
			assert.Equal(t, Rejected, out.Kind)
			assert.Equal(t, ReasonUnknownID, out.Reason)
			assert.True(t, IsUnknownIdentity(out.Err))
		})
	}

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Zero(t, recs[0].TotalAttendance)
	assert.Empty(t, collect(t, s.Scan(ctx)))
}

func TestObserve_OutsideWindowEvenAfterCooldown(t *testing.T) {
	s := createTestStore(t)
	last := at(10, 0, 0).AddDate(0, 0, -1)
	rec := student(100000, "Ada")
	rec.TotalAttendance = 4
	rec.LastAttendanceTime = &last
	seed(t, s, rec)
	e := newTestEngine(t, s, s, nil)

	out := e.Observe(context.Background(), Observation{CandidateID: id(100000), Confidence: 10}, at(8, 0, 0))

	assert.Equal(t, Rejected, out.Kind)
	assert.Equal(t, ReasonOutsideWindow, out.Reason)

	got, err := e.Get(100000)
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalAttendance)
	assert.True(t, got.LastAttendanceTime.Equal(last))
}

func TestObserve_LowConfidence(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))

	tests := []struct {
		name       string
		threshold  Threshold
		confidence float64
		want       OutcomeKind
	}{
		{"distance under threshold", DefaultThreshold, 69.9, Recorded},
		{"distance at threshold", DefaultThreshold, 70, Recorded},
		{"distance over threshold", DefaultThreshold, 70.1, Rejected},
		{"NaN distance", DefaultThreshold, math.NaN(), Rejected},
		{"score over threshold", Threshold{Value: 0.8}, 0.9, Recorded},
		{"score under threshold", Threshold{Value: 0.8}, 0.5, Rejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, s, s, nil, WithThreshold(tt.threshold))
			// Each subtest starts an hour later so cooldown never interferes.
			now := at(10, 0, 0).Add(time.Duration(len(collect(t, s.Scan(context.Background())))) * time.Hour)

			out := e.Observe(context.Background(), Observation{CandidateID: id(100000), Confidence: tt.confidence}, now)
			assert.Equal(t, tt.want, out.Kind)
			if tt.want == Rejected {
				assert.Equal(t, ReasonLowConfidence, out.Reason)
				assert.True(t, IsLowConfidence(out.Err))
			}
		})
	}
}

func TestObserve_ConfidenceCheckedBeforeEligibility(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e := newTestEngine(t, s, s, nil)

	// Outside the window and low confidence: confidence wins.
	out := e.Observe(context.Background(), Observation{CandidateID: id(100000), Confidence: 99}, at(8, 0, 0))
	assert.Equal(t, ReasonLowConfidence, out.Reason)
}

func TestObserve_NRecordedIncrementsByN(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e := newTestEngine(t, s, s, nil)
	ctx := context.Background()

	now := at(9, 0, 0)
	recorded := 0
	for i := 0; i < 40; i++ {
		now = now.Add(11 * time.Second)
		if e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 20}, now).Kind == Recorded {
			recorded++
		}
	}

	require.Positive(t, recorded)
	rec, err := e.Get(100000)
	require.NoError(t, err)
	assert.Equal(t, recorded, rec.TotalAttendance)
	assert.Len(t, collect(t, s.Scan(ctx)), recorded)
}

func TestObserve_ConcurrentSameIdentityRecordsOnce(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"), student(100001, "Grace"))
	e := newTestEngine(t, s, s, nil)
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// All within one cooldown interval.
			now := at(10, 0, 0).Add(time.Duration(i%20) * time.Second)
			outcomes <- e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, now)
		}(i)
	}
	wg.Wait()
	close(outcomes)

	recorded := 0
	for out := range outcomes {
		if out.Kind == Recorded {
			recorded++
		} else {
			assert.Equal(t, ReasonTooSoon, out.Reason)
		}
	}
	assert.Equal(t, 1, recorded)

	rec, err := s.Get(ctx, 100000)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TotalAttendance)
}

func TestObserve_SameDayPolicy(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e := newTestEngine(t, s, s, nil, WithPolicy(policy.Config{Kind: policy.KindSameDay, Location: time.UTC}))
	ctx := context.Background()

	obs := Observation{CandidateID: id(100000), Confidence: 30}
	assert.Equal(t, Recorded, e.Observe(ctx, obs, at(8, 0, 0)).Kind)
	assert.Equal(t, ReasonTooSoon, e.Observe(ctx, obs, at(17, 0, 0)).Reason)
	assert.Equal(t, Recorded, e.Observe(ctx, obs, at(8, 0, 0).AddDate(0, 0, 1)).Kind)
}

func TestObserve_DurableWriteFailureLeavesLedgerUntouched(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	ledger := &flakyLedger{Ledger: s}
	e := newTestEngine(t, ledger, s, nil)
	ctx := context.Background()

	ledger.failUpsert.Store(true)
	out := e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0))

	require.Equal(t, Failed, out.Kind)
	assert.True(t, IsDurableWriteFailure(out.Err))
	assert.ErrorIs(t, out.Err, errInjected)

	rec, err := e.Get(100000)
	require.NoError(t, err)
	assert.Zero(t, rec.TotalAttendance)
	assert.Nil(t, rec.LastAttendanceTime)
	assert.Empty(t, collect(t, s.Scan(ctx)))

	// The same observation succeeds once the store recovers.
	ledger.failUpsert.Store(false)
	out = e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 1))
	require.Equal(t, Recorded, out.Kind)
	assert.Equal(t, 1, out.Record.TotalAttendance)
	assert.Equal(t, uint64(1), e.Stats().Failed)
}

func TestObserve_DurableWriteTimeout(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	ledger := &flakyLedger{Ledger: s}
	e := newTestEngine(t, ledger, s, nil, WithWriteTimeout(20*time.Millisecond))

	ledger.blockUpsert.Store(true)
	start := time.Now()
	out := e.Observe(context.Background(), Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0))

	assert.Equal(t, Failed, out.Kind)
	assert.True(t, IsDurableWriteFailure(out.Err))
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	rec, err := e.Get(100000)
	require.NoError(t, err)
	assert.Zero(t, rec.TotalAttendance)
}

func TestObserve_WriteTimeoutWithStuckStore(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"), student(100001, "Grace"))
	ledger := &flakyLedger{Ledger: s, stall: make(chan struct{})}
	e := newTestEngine(t, ledger, s, nil, WithWriteTimeout(50*time.Millisecond))
	ctx := context.Background()

	start := time.Now()
	out := e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0))
	require.Equal(t, Failed, out.Kind)
	assert.True(t, IsDurableWriteFailure(out.Err))
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// The engine stays responsive while the store is stuck.
	rec, err := e.Get(100000)
	require.NoError(t, err)
	assert.Zero(t, rec.TotalAttendance)
	assert.Len(t, e.List(), 2)

	// The late write lands; the engine picks it up instead of counting twice.
	close(ledger.stall)
	require.Eventually(t, func() bool {
		rec, err := e.Get(100000)
		return err == nil && rec.TotalAttendance == 1
	}, 2*time.Second, 10*time.Millisecond)

	out = e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 10))
	assert.Equal(t, Rejected, out.Kind)
	assert.Equal(t, ReasonTooSoon, out.Reason)

	stored, err := s.Get(ctx, 100000)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TotalAttendance)
}

func TestObserve_SubSecondTimeMatchesStore(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e := newTestEngine(t, s, s, nil)
	ctx := context.Background()

	now := at(10, 0, 0).Add(700 * time.Millisecond)
	out := e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, now)
	require.Equal(t, Recorded, out.Kind)
	assert.Equal(t, at(10, 0, 0), out.Event.Timestamp)

	inMemory, err := e.Get(100000)
	require.NoError(t, err)
	stored, err := s.Get(ctx, 100000)
	require.NoError(t, err)
	assert.Equal(t, stored, inMemory)

	// Cooldown runs from the persisted instant.
	out = e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 30))
	assert.Equal(t, Recorded, out.Kind)
}

func TestObserve_PanicBecomesFailed(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	ledger := &flakyLedger{Ledger: s}
	e := newTestEngine(t, ledger, s, nil)

	ledger.panicUpsert.Store(true)
	var out Outcome
	require.NotPanics(t, func() {
		out = e.Observe(context.Background(), Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0))
	})
	assert.Equal(t, Failed, out.Kind)
	assert.Equal(t, int64(100000), out.StudentID)

	// The mutex was released.
	ledger.panicUpsert.Store(false)
	assert.Equal(t, Recorded, e.Observe(context.Background(), Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 1)).Kind)
}

func TestObserve_HistoryFailureRetriedInOrder(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"), student(100001, "Grace"))
	history := &flakyHistory{History: s}
	e, err := New(context.Background(), s, history, nil,
		WithPolicy(windowed("00:00", "23:59")),
		WithRetryInterval(time.Hour),
	)
	require.NoError(t, err)
	ctx := context.Background()

	history.fail.Store(true)
	out1 := e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0))
	require.Equal(t, Recorded, out1.Kind, "history failure must not fail the observation")

	history.fail.Store(false)
	out2 := e.Observe(ctx, Observation{CandidateID: id(100001), Confidence: 30}, at(10, 0, 5))
	require.Equal(t, Recorded, out2.Kind)

	// The second event queued behind the first instead of overtaking it.
	assert.Empty(t, collect(t, s.Scan(ctx)))
	assert.Equal(t, 2, e.Stats().HistoryPending)

	require.NoError(t, e.Close(ctx))

	events := collect(t, s.Scan(ctx))
	require.Len(t, events, 2)
	assert.Equal(t, int64(100000), events[0].StudentID)
	assert.Equal(t, int64(100001), events[1].StudentID)
	assert.Less(t, events[0].Seq, events[1].Seq)
}

func TestObserve_HistoryRetrierFlushes(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	history := &flakyHistory{History: s}
	e := newTestEngine(t, s, history, nil, WithRetryInterval(5*time.Millisecond))
	ctx := context.Background()

	history.fail.Store(true)
	require.Equal(t, Recorded, e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0)).Kind)
	time.Sleep(20 * time.Millisecond)
	history.fail.Store(false)

	require.Eventually(t, func() bool {
		return e.Stats().HistoryPending == 0
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, collect(t, s.Scan(ctx)), 1)
	assert.Positive(t, e.Stats().HistoryRetries)
}

func TestClose_ReportsUnflushedHistory(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	history := &flakyHistory{History: s}
	e, err := New(context.Background(), s, history, nil, WithRetryInterval(time.Hour), WithPolicy(windowed("00:00", "23:59")))
	require.NoError(t, err)

	history.fail.Store(true)
	e.Observe(context.Background(), Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0))

	err = e.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 events pending")
}

func TestObserve_RecordRejections(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e := newTestEngine(t, s, s, nil, WithRecordRejections(true))
	ctx := context.Background()

	e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0))
	e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 5))
	e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 300}, at(10, 0, 6))
	e.Observe(ctx, Observation{CandidateID: id(999999), Confidence: 30}, at(10, 0, 7))

	events := collect(t, s.Scan(ctx))
	require.Len(t, events, 3, "unknown identities have no history row")
	assert.Equal(t, model.StatusPresent, events[0].Status)
	assert.Equal(t, model.StatusTooSoon, events[1].Status)
	assert.Equal(t, model.StatusLowConfidence, events[2].Status)

	rec, err := e.Get(100000)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TotalAttendance)
}

func TestObserve_HistoryTimestampsMonotonic(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"), student(100001, "Grace"))
	e := newTestEngine(t, s, s, nil)
	ctx := context.Background()

	require.Equal(t, Recorded, e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0)).Kind)
	// The wall clock stepped back a minute.
	out := e.Observe(ctx, Observation{CandidateID: id(100001), Confidence: 30}, at(9, 59, 0))
	require.Equal(t, Recorded, out.Kind)
	assert.True(t, out.Event.Timestamp.Equal(at(10, 0, 0)))

	var prev time.Time
	for _, ev := range collect(t, s.Scan(ctx)) {
		assert.False(t, ev.Timestamp.Before(prev))
		prev = ev.Timestamp
	}
}

func TestObserve_ClosedEngine(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e, err := New(context.Background(), s, s, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))

	out := e.Observe(context.Background(), Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0))
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrClosed)
	assert.ErrorIs(t, e.Close(context.Background()), ErrClosed)
}

func TestNew_ResumesFromStores(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"), student(100001, "Grace"))
	ctx := context.Background()

	e1, err := New(ctx, s, s, nil, WithPolicy(windowed("00:00", "23:59")))
	require.NoError(t, err)
	e1.Observe(ctx, Observation{CandidateID: id(100001), Confidence: 30}, at(10, 0, 0))
	e1.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 1))
	before := e1.List()
	require.NoError(t, e1.Close(ctx))

	e2, err := New(ctx, s, s, nil, WithPolicy(windowed("00:00", "23:59")))
	require.NoError(t, err)
	defer e2.Close(ctx)

	after := e2.List()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].TotalAttendance, after[i].TotalAttendance)
		require.NotNil(t, after[i].LastAttendanceTime)
		assert.True(t, before[i].LastAttendanceTime.Equal(*after[i].LastAttendanceTime))
	}
	assert.Equal(t, int64(2), e2.Stats().Seq, "clock resumes after the last history seq")

	// Cooldown state survives the restart.
	out := e2.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 5))
	assert.Equal(t, ReasonTooSoon, out.Reason)
}

func TestNew_RejectsSubSecondCooldown(t *testing.T) {
	s := createTestStore(t)
	cfg := windowed("00:00", "23:59")
	cfg.Cooldown = 200 * time.Millisecond

	_, err := New(context.Background(), s, s, nil, WithPolicy(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 1s")
}

func TestPump(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e := newTestEngine(t, s, s, nil)

	src := make(chan Observation, 3)
	src <- Observation{CandidateID: id(100000), Confidence: 30, At: at(10, 0, 0)}
	src <- Observation{CandidateID: id(100000), Confidence: 30, At: at(10, 0, 1)}
	src <- Observation{CandidateID: id(42), Confidence: 30, At: at(10, 0, 2)}
	close(src)

	var kinds []OutcomeKind
	err := e.Pump(context.Background(), src, func(o Outcome) { kinds = append(kinds, o.Kind) })
	require.NoError(t, err)
	assert.Equal(t, []OutcomeKind{Recorded, Rejected, Rejected}, kinds)
}

func TestPump_StopsOnCancel(t *testing.T) {
	s := createTestStore(t)
	e := newTestEngine(t, s, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	src := make(chan Observation)
	done := make(chan error, 1)
	go func() { done <- e.Pump(ctx, src, nil) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestStats(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, student(100000, "Ada"))
	e := newTestEngine(t, s, s, nil)
	ctx := context.Background()

	e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 0))
	e.Observe(ctx, Observation{CandidateID: id(100000), Confidence: 30}, at(10, 0, 1))
	e.Observe(ctx, Observation{}, at(10, 0, 2))

	st := e.Stats()
	assert.Equal(t, 1, st.Students)
	assert.Equal(t, uint64(3), st.Observed)
	assert.Equal(t, uint64(1), st.Recorded)
	assert.Equal(t, uint64(2), st.Rejected)
	assert.Equal(t, int64(1), st.Seq)
}
