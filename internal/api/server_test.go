package api

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rollcall/internal/edit"
	"github.com/roach88/rollcall/internal/engine"
	"github.com/roach88/rollcall/internal/model"
)

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, model.EngineVersion, body["version"])
}

func TestEnrollAndGet(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/students", edit.Enrollment{
		Name: "Ada Lovelace", Group: "CSE", StartingYear: 2024, Year: 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[model.StudentRecord](t, rec)
	assert.Equal(t, int64(100000), created.ID)

	rec = env.do(t, http.MethodGet, "/api/v1/students/100000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ada Lovelace", decode[model.StudentRecord](t, rec).Name)

	rec = env.do(t, http.MethodGet, "/api/v1/students", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.StudentRecord](t, rec), 1)
}

func TestEnroll_ValidationError(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/students", edit.Enrollment{Group: "CSE", StartingYear: 2024, Year: 40})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "required", resp.Fields["name"])
	assert.Equal(t, "lte", resp.Fields["year"])
}

func TestEnroll_UnknownField(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/v1/students", map[string]any{"name": "Ada", "shoe_size": 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAndRemove(t *testing.T) {
	env := setupTestServer(t, student(100000, "Ada"))

	rec := env.do(t, http.MethodPatch, "/api/v1/students/100000", map[string]any{"email": "ada@example.org"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ada@example.org", decode[model.StudentRecord](t, rec).Email)

	rec = env.do(t, http.MethodPatch, "/api/v1/students/100000", map[string]any{"total_attendance": 0})
	assert.Equal(t, http.StatusOK, rec.Code, "zero total on a zero record is not a decrease")

	rec = env.do(t, http.MethodDelete, "/api/v1/students/100000", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/students/100000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/students/100000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidID(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodGet, "/api/v1/students/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObserve(t *testing.T) {
	env := setupTestServer(t, student(100000, "Ada"))
	id := int64(100000)

	rec := env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{CandidateID: &id, Confidence: 35})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[OutcomeResponse](t, rec)
	assert.Equal(t, "recorded", out.Outcome)
	require.NotNil(t, out.Event)
	assert.True(t, out.Event.Timestamp.Equal(testStart), "server clock stamps observations without a timestamp")
	assert.True(t, out.Event.HasFlag(model.FlagSnapshotMissing))

	env.clock.Advance(10 * time.Second)
	rec = env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{CandidateID: &id, Confidence: 35})
	out = decode[OutcomeResponse](t, rec)
	assert.Equal(t, "rejected", out.Outcome)
	assert.Equal(t, string(engine.ReasonTooSoon), out.Reason)

	unknown := int64(999999)
	rec = env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{CandidateID: &unknown, Confidence: 1})
	out = decode[OutcomeResponse](t, rec)
	assert.Equal(t, string(engine.ReasonUnknownID), out.Reason)
}

func TestObserve_ExplicitTimestampAndFrame(t *testing.T) {
	env := setupTestServer(t, student(100000, "Ada"))
	id := int64(100000)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16))))
	ts := testStart.Add(time.Hour)

	rec := env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{
		CandidateID: &id,
		Confidence:  10,
		Timestamp:   &ts,
		Frame:       base64.StdEncoding.EncodeToString(buf.Bytes()),
		Region:      &RegionRequest{X: 2, Y: 2, Width: 8, Height: 8},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[OutcomeResponse](t, rec)
	assert.True(t, out.Event.Timestamp.Equal(ts))
	// No archive is configured in tests.
	assert.True(t, out.Event.HasFlag(model.FlagSnapshotMissing))
}

func TestObserve_BadFrame(t *testing.T) {
	env := setupTestServer(t, student(100000, "Ada"))
	id := int64(100000)

	rec := env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{CandidateID: &id, Frame: "!!!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{
		CandidateID: &id,
		Frame:       base64.StdEncoding.EncodeToString([]byte("not an image")),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	env := setupTestServer(t, student(100000, "Ada"), student(100001, "Grace"))
	a, g := int64(100000), int64(100001)

	env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{CandidateID: &a, Confidence: 10})
	env.clock.Advance(time.Second)
	env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{CandidateID: &g, Confidence: 10})
	env.clock.Advance(time.Minute)
	env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{CandidateID: &a, Confidence: 10})

	rec := env.do(t, http.MethodGet, "/api/v1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.AttendanceEvent](t, rec), 3)

	rec = env.do(t, http.MethodGet, "/api/v1/history?student_id=100000", nil)
	events := decode[[]model.AttendanceEvent](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, a, events[0].StudentID)

	rec = env.do(t, http.MethodGet, "/api/v1/history?limit=1", nil)
	events = decode[[]model.AttendanceEvent](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Seq)

	rec = env.do(t, http.MethodGet, "/api/v1/history?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch(t *testing.T) {
	env := setupTestServer(t, student(100000, "Ada"), student(100001, "Grace"))
	g := int64(100001)
	env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{CandidateID: &g, Confidence: 10})

	rec := env.do(t, http.MethodGet, "/api/v1/students?q=GRA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	students := decode[[]model.StudentRecord](t, rec)
	require.Len(t, students, 1)
	assert.Equal(t, g, students[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/students?q=nobody", nil)
	assert.Empty(t, decode[[]model.StudentRecord](t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/history?q=present", nil)
	assert.Len(t, decode[[]model.AttendanceEvent](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/v1/history?q=ada", nil)
	assert.Empty(t, decode[[]model.AttendanceEvent](t, rec))
}

func TestStats(t *testing.T) {
	env := setupTestServer(t, student(100000, "Ada"))
	id := int64(100000)
	env.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{CandidateID: &id, Confidence: 10})

	rec := env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[engine.Stats](t, rec)
	assert.Equal(t, uint64(1), st.Recorded)
	assert.Equal(t, 1, st.Students)
}

func TestClosedEngine(t *testing.T) {
	env := setupTestServer(t)
	require.NoError(t, env.engine.Close(t.Context()))

	rec := env.do(t, http.MethodPost, "/api/v1/students", edit.Enrollment{Name: "Ada", Group: "CSE", StartingYear: 2024, Year: 1})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
