package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rollcall/internal/api"
	"github.com/roach88/rollcall/internal/model"
)

func TestEnrollUpdateRemove(t *testing.T) {
	srv, eng := startServer(t)

	out, err := runCLI(t, "--server", srv.URL, "--format", "json",
		"enroll", "--name", "  Ana   Ruiz ", "--group", "3B", "--starting-year", "2024", "--year", "2")
	require.NoError(t, err)
	rec := decodeData[model.StudentRecord](t, out)
	assert.Equal(t, int64(100000), rec.ID)
	assert.Equal(t, "Ana Ruiz", rec.Name)

	out, err = runCLI(t, "--server", srv.URL, "update", "100000", "--group", "3C")
	require.NoError(t, err)
	assert.Contains(t, out, "group:            3C")

	got, err := eng.Get(100000)
	require.NoError(t, err)
	assert.Equal(t, "3C", got.Group)
	assert.Equal(t, 2, got.Year, "unset flags must not change fields")

	out, err = runCLI(t, "--server", srv.URL, "remove", "100000")
	require.NoError(t, err)
	assert.Equal(t, "Removed 100000\n", out)

	_, err = eng.Get(100000)
	assert.Error(t, err)
}

func TestEnroll_ValidationFailure(t *testing.T) {
	srv, _ := startServer(t)

	out, err := runCLI(t, "--server", srv.URL, "--format", "json",
		"enroll", "--name", "Ana", "--group", "A", "--starting-year", "1800")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"code": "E_REJECTED"`)
	assert.Contains(t, out, "starting_year")
}

func TestEnroll_MissingRequiredFlag(t *testing.T) {
	_, err := runCLI(t, "enroll", "--group", "A")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestUpdate_Errors(t *testing.T) {
	srv, _ := startServer(t)

	_, err := runCLI(t, "--server", srv.URL, "update", "100000")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "nothing to update")

	_, err = runCLI(t, "--server", srv.URL, "update", "abc", "--name", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid student id")

	out, err := runCLI(t, "--server", srv.URL, "update", "424242", "--name", "x")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E_NOT_FOUND")

	_, err = runCLI(t, "--server", srv.URL, "update", "424242", "--last-attendance", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestClientCommand_ServerDown(t *testing.T) {
	srv, _ := startServer(t)
	url := srv.URL
	srv.Close()

	_, err := runCLI(t, "--server", url, "remove", "100000")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestObserve(t *testing.T) {
	srv, _ := startServer(t)

	_, err := runCLI(t, "--server", srv.URL, "enroll", "--name", "Ana", "--group", "A", "--starting-year", "2024")
	require.NoError(t, err)

	out, err := runCLI(t, "--server", srv.URL, "observe",
		"--candidate", "100000", "--confidence", "40", "--at", "2026-03-02 10:00:00")
	require.NoError(t, err)
	assert.Equal(t, "recorded 100000 (Ana, total 1) [snapshot-missing]\n", out)

	out, err = runCLI(t, "--server", srv.URL, "--format", "json", "observe",
		"--candidate", "100000", "--confidence", "40", "--at", "2026-03-02 10:00:10")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	res := decodeData[api.OutcomeResponse](t, out)
	assert.Equal(t, "rejected", res.Outcome)
	assert.Equal(t, "too-soon", res.Reason)

	out, err = runCLI(t, "--server", srv.URL, "observe", "--confidence", "5")
	require.Error(t, err)
	assert.Equal(t, "rejected 0: unknown-id\n", out)
}

func TestObserve_BadFlags(t *testing.T) {
	_, err := runCLI(t, "--server", "127.0.0.1:1", "observe", "--candidate", "1", "--region", "1,2,3")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, "--server", "127.0.0.1:1", "observe", "--frame", "/nonexistent/frame.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--frame")
}

func TestParseRegion(t *testing.T) {
	r, err := parseRegion("10, 20, 30, 40")
	require.NoError(t, err)
	assert.Equal(t, &api.RegionRequest{X: 10, Y: 20, Width: 30, Height: 40}, r)

	_, err = parseRegion("1,2,0,4")
	assert.Error(t, err)
	_, err = parseRegion("a,b,c,d")
	assert.Error(t, err)
}
