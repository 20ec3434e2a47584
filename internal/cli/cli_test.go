package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/orca/model"
)

type request struct {
	method string
	path   string
	query  string
	body   string
}

// fakeAPI records requests and answers every one with status and body.
type fakeAPI struct {
	mu       sync.Mutex
	requests []request
	status   int
	body     string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, request{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: string(b)})
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.status)
	_, _ = w.Write([]byte(f.body))
}

func (f *fakeAPI) last(t *testing.T) request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func run(t *testing.T, api *fakeAPI, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "orcactl")

	cmd = NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"unknown-command"})
	require.Error(t, cmd.Execute())
}

func TestCommandsRequests(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method string
		path   string
		query  string
		body   string
	}{
		{name: "get", args: []string{"get", "j-1"}, method: http.MethodGet, path: "/jobs/j-1"},
		{name: "list", args: []string{"list"}, method: http.MethodGet, path: "/jobs"},
		{name: "list filtered", args: []string{"list", "--status", "Running,Queued", "--page-token", "j-9"}, method: http.MethodGet, path: "/jobs", query: "pageToken=j-9&status=Running%2CQueued"},
		{name: "executions", args: []string{"executions", "j-1"}, method: http.MethodGet, path: "/jobs/j-1/executions"},
		{name: "output", args: []string{"output", "j-1", "2"}, method: http.MethodGet, path: "/jobs/j-1/executions/2/output"},
		{name: "cancel", args: []string{"cancel", "j-1"}, method: http.MethodPost, path: "/jobs/j-1/cancel"},
		{name: "restart", args: []string{"restart", "j-1"}, method: http.MethodPost, path: "/jobs/j-1/restart"},
		{name: "fail without problem", args: []string{"fail", "j-1"}, method: http.MethodPost, path: "/jobs/j-1/fail"},
		{name: "delete", args: []string{"delete", "j-1"}, method: http.MethodDelete, path: "/jobs/j-1"},
		{name: "watchdog", args: []string{"watchdog"}, method: http.MethodPost, path: "/watchdog/run"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{status: http.StatusOK, body: `{"ok":true}`}
			out, err := run(t, api, tt.args...)
			require.NoError(t, err)
			require.Contains(t, out, `"ok": true`)

			got := api.last(t)
			require.Equal(t, tt.method, got.method)
			require.Equal(t, tt.path, got.path)
			require.Equal(t, tt.query, got.query)
			require.Equal(t, tt.body, got.body)
		})
	}
}

func TestFailWithProblem(t *testing.T) {
	api := &fakeAPI{status: http.StatusAccepted, body: `{"jobId":"j-1","operation":"FailJob"}`}
	_, err := run(t, api, "fail", "j-1", "--type", "orca://problems/job/operator", "--title", "stopped")
	require.NoError(t, err)

	var p model.Problem
	require.NoError(t, json.Unmarshal([]byte(api.last(t).body), &p))
	require.Equal(t, model.Problem{Type: "orca://problems/job/operator", Title: "stopped"}, p)
}

func TestCreateFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobProfileRef: profiles/echo
jobInput:
  message: hello
  repeat: 3
tracker:
  id: t-1
timeout: 15
deadline: 2025-03-01T12:00:00Z
`), 0o600))

	api := &fakeAPI{status: http.StatusCreated, body: `{"id":"j-1","status":"New"}`}
	out, err := run(t, api, "create", "-f", path, "-o", "yaml")
	require.NoError(t, err)
	require.Contains(t, out, "status: New")

	got := api.last(t)
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/jobs", got.path)

	var req model.JobRequest
	require.NoError(t, json.Unmarshal([]byte(got.body), &req))
	require.Equal(t, "profiles/echo", req.JobProfileRef)
	require.Equal(t, "hello", req.JobInput["message"])
	require.Equal(t, float64(3), req.JobInput["repeat"])
	require.Equal(t, "t-1", req.Tracker.ID)
	require.Equal(t, 15, *req.Timeout)
	require.Equal(t, 2025, req.Deadline.Year())
}

func TestLoadJobRequestErrors(t *testing.T) {
	dir := t.TempDir()
	missingProfile := filepath.Join(dir, "missing.yaml")
	require.NoError(t, os.WriteFile(missingProfile, []byte("jobInput: {}\n"), 0o600))
	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("jobProfileRef: [unterminated\n"), 0o600))

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "no profile", path: missingProfile, want: "jobProfileRef is required"},
		{name: "invalid yaml", path: broken, want: "invalid job file"},
		{name: "no such file", path: filepath.Join(dir, "nope.yaml"), want: "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadJobRequest(tt.path)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestAPIErrorsAreReturned(t *testing.T) {
	api := &fakeAPI{status: http.StatusNotFound, body: "failed to get job: not found\n"}
	_, err := run(t, api, "get", "missing")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "failed to get job: not found", apiErr.Message)
}

func TestArgumentValidation(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: "{}"}
	tests := [][]string{
		{"get"},
		{"output", "j-1", "zero"},
		{"output", "j-1", "0"},
		{"create"},
		{"get", "j-1", "-o", "xml"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			_, err := run(t, api, args...)
			require.Error(t, err)
		})
	}
}
