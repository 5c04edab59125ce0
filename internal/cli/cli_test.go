package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightmetrics/cohortsync/internal/source"
	"github.com/brightmetrics/cohortsync/internal/store/sqlite"
	"github.com/brightmetrics/cohortsync/internal/testutil"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(NewExitError(ExitFailure, "aborted")))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "boom", errors.New("inner"))))
	assert.Equal(t, ExitCommandError, GetExitCode(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", NewExitError(ExitFailure, "aborted"))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
}

func TestExitError_Message(t *testing.T) {
	assert.Equal(t, "boom", NewExitError(1, "boom").Error())
	assert.Equal(t, "boom: inner", WrapExitError(1, "boom", errors.New("inner")).Error())
	assert.ErrorIs(t, WrapExitError(1, "boom", os.ErrNotExist), os.ErrNotExist)
}

func TestRootCommand_RejectsBadFormat(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--format", "xml", "report"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

// newSourceServer serves a schema plus a fixed student listing with
// offset/limit pagination, mimicking the assessment API.
func newSourceServer(t *testing.T, records []source.RawRecord) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/schema", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(testutil.FullSchema())
	})
	mux.HandleFunc("/api/students", func(w http.ResponseWriter, r *http.Request) {
		var offset, limit int
		fmt.Sscan(r.URL.Query().Get("offset"), &offset)
		fmt.Sscan(r.URL.Query().Get("limit"), &limit)
		end := offset + limit
		if offset > len(records) {
			offset = len(records)
		}
		if end > len(records) {
			end = len(records)
		}
		json.NewEncoder(w).Encode(map[string]any{"records": records[offset:end]})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// writeTestConfig writes a sqlite-backed config pointing at the server and
// returns the config path and database path.
func writeTestConfig(t *testing.T, baseURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cohorts.db")
	cfgPath := filepath.Join(dir, "cohortsync.yaml")
	content := fmt.Sprintf(`
source:
  baseUrl: %s
  pageSize: 2
  workers: 2
  retry:
    maxAttempts: 2
    backoffMs: 1
store:
  driver: sqlite
  path: %s
`, baseURL, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath, dbPath
}

func TestSyncReportStats_EndToEnd(t *testing.T) {
	completed := time.Date(2025, time.October, 5, 9, 0, 0, 0, time.UTC)
	records := []source.RawRecord{
		testutil.Record("alice@example.org", "s-001", completed, 80, 70, 60, 90, 75, 85),
		testutil.Record("bob@example.org", "s-001", completed, 50, 55, 60, 65, 70, 75),
		testutil.Record("carol@example.org", "s-002", completed, 90, 90, 90, 90, 90, 90),
	}
	srv := newSourceServer(t, records)
	cfgPath, dbPath := writeTestConfig(t, srv.URL)

	// Sync.
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "sync", "--period", "2025/2026"})
	require.NoError(t, root.Execute(), "output: %s", out.String())
	assert.Contains(t, out.String(), "status=succeeded")

	// The rows landed in the configured database.
	st, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	people, err := st.ListPersonYearsForPeriod(context.Background(), "2025/2026")
	require.NoError(t, err)
	assert.Len(t, people, 3)
	require.NoError(t, st.Close())

	// Report on the run, JSON format.
	out.Reset()
	root = NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "--format", "json", "report"})
	require.NoError(t, root.Execute(), "output: %s", out.String())

	var rep struct {
		Status string `json:"status"`
		Period string `json:"period"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, "succeeded", rep.Status)
	assert.Equal(t, "2025/2026", rep.Period)

	// Stats for the synced period.
	out.Reset()
	root = NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "stats", "--period", "2025/2026"})
	require.NoError(t, root.Execute(), "output: %s", out.String())
	assert.Contains(t, out.String(), "scope=national")
	assert.Contains(t, out.String(), "vision")
}

func TestSync_SkipsStillSucceed(t *testing.T) {
	completed := time.Date(2025, time.October, 5, 9, 0, 0, 0, time.UTC)
	records := []source.RawRecord{
		testutil.Record("", "s-001", completed), // no natural key
		testutil.Record("alice@example.org", "s-001", completed),
	}
	srv := newSourceServer(t, records)
	cfgPath, _ := writeTestConfig(t, srv.URL)

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "sync", "--period", "2025/2026"})

	// Skipped records never fail the run, but the report must show them.
	require.NoError(t, root.Execute(), "output: %s", out.String())
	assert.Contains(t, out.String(), "skipped=1")
}

func TestSync_DryRunLeavesDatabaseEmpty(t *testing.T) {
	completed := time.Date(2025, time.October, 5, 9, 0, 0, 0, time.UTC)
	srv := newSourceServer(t, []source.RawRecord{
		testutil.Record("alice@example.org", "s-001", completed),
	})
	cfgPath, dbPath := writeTestConfig(t, srv.URL)

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "sync", "--period", "2025/2026", "--dry-run"})
	require.NoError(t, root.Execute(), "output: %s", out.String())
	assert.Contains(t, out.String(), "(dry-run)")

	st, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	people, err := st.ListPersonYearsForPeriod(context.Background(), "2025/2026")
	require.NoError(t, err)
	assert.Empty(t, people)
}

func TestSync_SourceDownIsFatal(t *testing.T) {
	srv := newSourceServer(t, nil)
	cfgPath, _ := writeTestConfig(t, srv.URL)
	srv.Close()

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "sync", "--period", "2025/2026"})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestReport_NoRuns(t *testing.T) {
	srv := newSourceServer(t, nil)
	cfgPath, _ := writeTestConfig(t, srv.URL)

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "report"})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no matching sync run")
}

func TestMissingConfigIsCommandError(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "report"})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
