package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rollcall/internal/api"
	"github.com/roach88/rollcall/internal/engine"
	"github.com/roach88/rollcall/internal/store"
)

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeConfig writes a config rooted at a temp data dir and returns its path.
func writeConfig(t *testing.T, backend string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "Data")
	path := filepath.Join(dir, "rollcall.yaml")
	content := fmt.Sprintf("data_dir: %q\ntimezone: UTC\nledger:\n  backend: %s\n", data, backend)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, data
}

// startServer runs an API server over an in-memory store.
func startServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	eng, err := engine.New(ctx, st, st, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(eng, st, "").Router())
	t.Cleanup(func() {
		srv.Close()
		_ = eng.Close(ctx)
		_ = st.Close()
	})
	return srv, eng
}

// decodeData unmarshals the data part of a JSON CLI response.
func decodeData[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}
