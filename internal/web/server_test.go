package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/dispatcher"
	"github.com/ssuji15/orca/internal/docstore/memory"
	"github.com/ssuji15/orca/internal/invoker"
	"github.com/ssuji15/orca/internal/metrics"
	jobservice "github.com/ssuji15/orca/internal/service/job_service"
	"github.com/ssuji15/orca/internal/watchdog"
	"github.com/ssuji15/orca/model"
)

type stubResources struct{}

func (stubResources) CreateAssignment(_ context.Context, req model.AssignmentRequest) (string, error) {
	return "assignments/" + req.ExecutionID, nil
}
func (stubResources) CancelAssignment(context.Context, string) error { return nil }
func (stubResources) DeleteAssignment(context.Context, string) error { return nil }
func (stubResources) SendNotification(context.Context, *model.Job)   {}

type stubWatchdog struct {
	report watchdog.Report
	err    error
}

func (w stubWatchdog) Run(context.Context) (watchdog.Report, error) { return w.report, w.err }

type testServer struct {
	http *httptest.Server
	inv  *invoker.LocalInvoker
	svc  *jobservice.JobService
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	svc := jobservice.NewJobService(memory.NewStore(0), stubResources{},
		jobservice.WithMetrics(metrics.NewCollector(reg)),
		jobservice.WithCallbackBaseURL("http://orca.local"),
		jobservice.WithLockConfig(config.LockConfig{TIMEOUT: time.Minute, BACKOFF: time.Millisecond, WAIT: 5 * time.Second}),
	)
	inv := invoker.NewLocalInvoker(dispatcher.NewHandler(svc))
	srv := NewServer(svc, inv, append([]Option{WithMetrics(reg)}, opts...)...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{http: ts, inv: inv, svc: svc}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.http.URL+path, &buf)
	require.NoError(t, err)
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) createJob(t *testing.T) *model.Job {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/jobs", model.JobRequest{
		JobProfileRef: "profiles/transcode",
		JobInput:      map[string]any{"file": "in.mp4"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decode[model.Job](t, resp)
	s.inv.Wait()
	return &job
}

func (s *testServer) getJob(t *testing.T, id string) *model.Job {
	t.Helper()
	resp := s.do(t, http.MethodGet, "/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[model.Job](t, resp)
	return &job
}

func TestCreateJobStartsExecution(t *testing.T) {
	s := newTestServer(t)
	job := s.createJob(t)
	require.Equal(t, model.StatusNew, job.Status)
	require.NotEmpty(t, job.ID)

	got := s.getJob(t, job.ID)
	require.Equal(t, model.StatusQueued, got.Status)
	require.Equal(t, model.ExecutionRef(job.ID, 1), got.ExecutionRef)

	resp := s.do(t, http.MethodGet, "/jobs/"+job.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execs := decode[[]model.Execution](t, resp)
	require.Len(t, execs, 1)
	require.Equal(t, "assignments/"+execs[0].ID, execs[0].JobAssignmentRef)
}

func TestCreateJobRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/jobs", model.JobRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, s.http.URL+"/jobs", bytes.NewBufferString("{"))
	require.NoError(t, err)
	raw, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestNotificationLifecycle(t *testing.T) {
	s := newTestServer(t)
	job := s.createJob(t)
	base := fmt.Sprintf("/jobs/%s/executions/1", job.ID)

	progress := 50
	resp := s.do(t, http.MethodPost, base+"/notifications", model.Notification{Status: model.StatusRunning, Progress: &progress})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.inv.Wait()
	got := s.getJob(t, job.ID)
	require.Equal(t, model.StatusRunning, got.Status)
	require.Equal(t, 50, *got.Progress)

	resp = s.do(t, http.MethodPost, base+"/notifications", model.Notification{
		Status:    model.StatusCompleted,
		JobOutput: map[string]any{"url": "s3://out.mp4"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.inv.Wait()
	require.Equal(t, model.StatusCompleted, s.getJob(t, job.ID).Status)

	resp = s.do(t, http.MethodGet, base+"/output", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]any{"url": "s3://out.mp4"}, decode[map[string]any](t, resp))
}

func TestNotificationRejections(t *testing.T) {
	s := newTestServer(t)
	job := s.createJob(t)
	tooMuch := 101

	tests := []struct {
		name   string
		path   string
		body   model.Notification
		status int
	}{
		{name: "unknown status", path: "/jobs/" + job.ID + "/executions/1/notifications", body: model.Notification{Status: "Paused"}, status: http.StatusBadRequest},
		{name: "new status", path: "/jobs/" + job.ID + "/executions/1/notifications", body: model.Notification{Status: model.StatusNew}, status: http.StatusBadRequest},
		{name: "progress out of range", path: "/jobs/" + job.ID + "/executions/1/notifications", body: model.Notification{Status: model.StatusRunning, Progress: &tooMuch}, status: http.StatusBadRequest},
		{name: "bad execution number", path: "/jobs/" + job.ID + "/executions/zero/notifications", body: model.Notification{Status: model.StatusRunning}, status: http.StatusBadRequest},
		{name: "unknown job", path: "/jobs/nope/executions/1/notifications", body: model.Notification{Status: model.StatusRunning}, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestLifecycleOperations(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		suffix     string
		body       any
		wantStatus model.JobStatus
		wantError  string
	}{
		{name: "cancel", method: http.MethodPost, suffix: "/cancel", wantStatus: model.StatusCanceled},
		{name: "fail without body", method: http.MethodPost, suffix: "/fail", wantStatus: model.StatusFailed, wantError: model.ProblemJobFailed},
		{
			name:       "fail with problem",
			method:     http.MethodPost,
			suffix:     "/fail",
			body:       model.Problem{Type: "orca://problems/job/operator", Title: "Stopped by operator"},
			wantStatus: model.StatusFailed,
			wantError:  "orca://problems/job/operator",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			job := s.createJob(t)

			resp := s.do(t, tt.method, "/jobs/"+job.ID+tt.suffix, tt.body)
			require.Equal(t, http.StatusAccepted, resp.StatusCode)
			accepted := decode[OperationAccepted](t, resp)
			require.Equal(t, job.ID, accepted.JobID)
			s.inv.Wait()

			got := s.getJob(t, job.ID)
			require.Equal(t, tt.wantStatus, got.Status)
			if tt.wantError != "" {
				require.Equal(t, tt.wantError, got.Error.Type)
			}
		})
	}
}

func TestRestartAndDelete(t *testing.T) {
	s := newTestServer(t)
	job := s.createJob(t)

	resp := s.do(t, http.MethodPost, "/jobs/"+job.ID+"/restart", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.inv.Wait()
	require.Equal(t, model.ExecutionRef(job.ID, 2), s.getJob(t, job.ID).ExecutionRef)

	resp = s.do(t, http.MethodDelete, "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.inv.Wait()

	resp = s.do(t, http.MethodGet, "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	s := newTestServer(t)
	a := s.createJob(t)
	b := s.createJob(t)
	resp := s.do(t, http.MethodPost, "/jobs/"+b.ID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.inv.Wait()

	resp = s.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode[JobList](t, resp).Jobs, 2)

	resp = s.do(t, http.MethodGet, "/jobs?status=Queued,Running", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[JobList](t, resp)
	require.Len(t, list.Jobs, 1)
	require.Equal(t, a.ID, list.Jobs[0].ID)

	resp = s.do(t, http.MethodGet, "/jobs?status=Paused", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWatchdogRoute(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/watchdog/run", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	s = newTestServer(t, WithWatchdog(stubWatchdog{report: watchdog.Report{Scanned: 3, Failed: []string{"j1"}, Remaining: 2, Reenabled: true}}))
	resp = s.do(t, http.MethodPost, "/watchdog/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[watchdog.Report](t, resp)
	require.Equal(t, 3, report.Scanned)
	require.Equal(t, []string{"j1"}, report.Failed)

	s = newTestServer(t, WithWatchdog(stubWatchdog{err: errors.New("store down")}))
	resp = s.do(t, http.MethodPost, "/watchdog/run", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.createJob(t)

	resp := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, body.String(), "orca_jobs_created_total 1")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("job x: %w", jobservice.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: not New", jobservice.ErrConflict), http.StatusConflict},
		{jobservice.ErrInvalid, http.StatusBadRequest},
		{fmt.Errorf("%w: job x", jobservice.ErrLockTimeout), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: CreateAssignment", jobservice.ErrDependencyFailure), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
