package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssuji15/orca/internal/invoker"
	jobservice "github.com/ssuji15/orca/internal/service/job_service"
	"github.com/ssuji15/orca/internal/service/logger"
	orcamw "github.com/ssuji15/orca/internal/web/middleware"
	"github.com/ssuji15/orca/internal/watchdog"
	"github.com/ssuji15/orca/model"
)

const requestTimeout = 30 * time.Second

// WatchdogRunner runs one watchdog scan on demand.
type WatchdogRunner interface {
	Run(ctx context.Context) (watchdog.Report, error)
}

type Server struct {
	router     chi.Router
	jobService *jobservice.JobService
	invoker    invoker.Invoker
	watchdog   WatchdogRunner
	gatherer   prometheus.Gatherer
	limiter    *orcamw.Limiter
}

type Option func(*Server)

func WithWatchdog(w WatchdogRunner) Option {
	return func(s *Server) { s.watchdog = w }
}

// WithMetrics serves g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLimiter(l *orcamw.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// NewServer exposes jobs over HTTP. Lifecycle changes are not executed in the
// request; they are handed to inv and answered with 202.
func NewServer(jobs *jobservice.JobService, inv invoker.Invoker, opts ...Option) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		jobService: jobs,
		invoker:    inv,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// Router is the instrumented handler to serve.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "orca-api")
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(orcamw.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Limit)
		}
		r.Use(middleware.Timeout(requestTimeout))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleOperation(invoker.OpDeleteJob))
				r.Post("/cancel", s.handleOperation(invoker.OpCancelJob))
				r.Post("/fail", s.handleOperation(invoker.OpFailJob))
				r.Post("/restart", s.handleOperation(invoker.OpRestartJob))
				r.Get("/executions", s.handleListExecutions)
				r.Get("/executions/{n}/output", s.handleGetOutput)
				r.Post("/executions/{n}/notifications", s.handleNotification)
			})
		})

		if s.watchdog != nil {
			r.Post("/watchdog/run", s.handleWatchdogRun)
		}
	})
}

// OperationAccepted is the body of a 202 response.
type OperationAccepted struct {
	JobID     string `json:"jobId"`
	Operation string `json:"operation"`
}

type JobList struct {
	Jobs          []*model.Job `json:"jobs"`
	NextPageToken string       `json:"nextPageToken,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.jobService.CreateJob(ctx, req)
	if err != nil {
		writeError(ctx, w, "failed to create job", err)
		return
	}

	if err := s.invoker.Invoke(ctx, invoker.OpStartJob, model.OperationInput{JobID: job.ID}, job.Tracker); err != nil {
		// the job stays New and is eventually timed out by the watchdog
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("job_id", job.ID).Msg("unable to invoke StartJob")
	}

	writeJSON(ctx, w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	job, err := s.jobService.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, w, "failed to get job", err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var statuses []model.JobStatus
	for _, v := range r.URL.Query()["status"] {
		for _, st := range strings.Split(v, ",") {
			if st != "" {
				statuses = append(statuses, model.JobStatus(st))
			}
		}
	}

	jobs, next, err := s.jobService.ListJobs(ctx, statuses, r.URL.Query().Get("pageToken"))
	if err != nil {
		writeError(ctx, w, "failed to list jobs", err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, JobList{Jobs: jobs, NextPageToken: next})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	execs, err := s.jobService.ListExecutions(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, w, "failed to list executions", err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, execs)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	n, err := executionNumber(r)
	if err != nil {
		writeError(ctx, w, "failed to get output", err)
		return
	}
	out, err := s.jobService.GetExecutionOutput(ctx, chi.URLParam(r, "id"), n)
	if err != nil {
		writeError(ctx, w, "failed to get output", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// handleOperation accepts a lifecycle operation on an existing job. FailJob
// takes an optional Problem body.
func (s *Server) handleOperation(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		jobID := chi.URLParam(r, "id")

		in := model.OperationInput{JobID: jobID}
		if operation == invoker.OpFailJob {
			problem, err := decodeOptional[model.Problem](r.Body)
			if err != nil {
				http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
				return
			}
			in.Problem = problem
		}

		job, err := s.jobService.GetJob(ctx, jobID)
		if err != nil {
			writeError(ctx, w, "failed to "+operation, err)
			return
		}
		if err := s.invoker.Invoke(ctx, operation, in, job.Tracker); err != nil {
			writeError(ctx, w, "failed to "+operation, err)
			return
		}
		writeJSON(ctx, w, http.StatusAccepted, OperationAccepted{JobID: jobID, Operation: operation})
	}
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "id")

	n, err := executionNumber(r)
	if err != nil {
		writeError(ctx, w, "failed to accept notification", err)
		return
	}
	var notification model.Notification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := jobservice.ValidateNotification(notification); err != nil {
		writeError(ctx, w, "failed to accept notification", err)
		return
	}

	job, err := s.jobService.GetJob(ctx, jobID)
	if err != nil {
		writeError(ctx, w, "failed to accept notification", err)
		return
	}
	in := model.OperationInput{JobID: jobID, ExecutionNumber: n, Notification: &notification}
	if err := s.invoker.Invoke(ctx, invoker.OpProcessNotification, in, job.Tracker); err != nil {
		writeError(ctx, w, "failed to accept notification", err)
		return
	}
	writeJSON(ctx, w, http.StatusAccepted, OperationAccepted{JobID: jobID, Operation: invoker.OpProcessNotification})
}

func (s *Server) handleWatchdogRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := s.watchdog.Run(ctx)
	if err != nil {
		writeError(ctx, w, "watchdog run failed", err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, report)
}

func executionNumber(r *http.Request) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: execution number must be a positive integer", jobservice.ErrInvalid)
	}
	return n, nil
}

// decodeOptional returns nil for an empty body.
func decodeOptional[T any](body io.Reader) (*T, error) {
	var v T
	err := json.NewDecoder(body).Decode(&v)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobservice.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobservice.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, jobservice.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, jobservice.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg(msg)
	}
	http.Error(w, msg+": "+err.Error(), status)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("failed to encode response")
	}
}
