package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rollcall/internal/engine"
	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/policy"
	"github.com/roach88/rollcall/internal/store"
	"github.com/roach88/rollcall/internal/testutil"
)

var testStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	store  *store.Store
	engine *engine.Engine
	server *Server
	clock  *testutil.FixedClock
}

// setupTestServer wires a real engine over a temp SQLite store.
func setupTestServer(t *testing.T, seed ...model.StudentRecord) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "rollcall.db"), store.WithLocation(time.UTC))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, r := range seed {
		require.NoError(t, s.Upsert(ctx, r))
	}

	eng, err := engine.New(ctx, s, s, nil,
		engine.WithIDGenerator(testutil.NewSequentialIDs("evt")),
		engine.WithPolicy(policy.Config{Kind: policy.KindCooldown, Cooldown: 30 * time.Second, Location: time.UTC}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	clock := testutil.NewFixedClock(testStart)
	return &testEnv{
		store:  s,
		engine: eng,
		server: NewServer(eng, s, "127.0.0.1:0", WithNow(clock.Now)),
		clock:  clock,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func student(id int64, name string) model.StudentRecord {
	return model.StudentRecord{ID: id, Name: name, Group: "CSE", StartingYear: 2024, Year: 1}
}
