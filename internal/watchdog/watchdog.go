// Package watchdog fails jobs that ran past their deadline or timeout.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ssuji15/orca/internal/db/repository"
	"github.com/ssuji15/orca/internal/invoker"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/metrics"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/trigger"
	"github.com/ssuji15/orca/internal/util"
	"github.com/ssuji15/orca/model"
)

// TriggerName is the name of the watchdog's trigger record.
const TriggerName = "watchdog"

// Report summarises one scan.
type Report struct {
	Scanned   int      `json:"scanned"`
	Failed    []string `json:"failed"`
	Remaining int      `json:"remaining"`
	Reenabled bool     `json:"reenabled"`
}

type Watchdog struct {
	repo           *repository.JobRepository
	trigger        trigger.Trigger
	invoker        invoker.Invoker
	defaultTimeout time.Duration
	metrics        *metrics.Collector
	now            func() time.Time
}

type Option func(*Watchdog)

func WithMetrics(m *metrics.Collector) Option {
	return func(w *Watchdog) { w.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

func New(repo *repository.JobRepository, t trigger.Trigger, inv invoker.Invoker, defaultTimeoutMinutes int, opts ...Option) *Watchdog {
	w := &Watchdog{
		repo:           repo,
		trigger:        t,
		invoker:        inv,
		defaultTimeout: time.Duration(defaultTimeoutMinutes) * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run scans every active job once. It disables the trigger for the duration
// of the scan and re-enables it when active jobs remain. Failures of single
// jobs are logged; only a failed listing is returned.
func (w *Watchdog) Run(ctx context.Context) (report Report, err error) {
	start := time.Now()
	ctx, span := job_tracer.GetTracer().Start(ctx, "Watchdog/Run")
	defer func() {
		if err != nil {
			util.RecordSpanError(span, err)
		}
		job_tracer.RecordOperation(ctx, "Watchdog", start, err)
		span.End()
	}()
	w.metrics.RecordWatchdogRun()
	log := logger.FromContext(ctx)

	if err := w.trigger.Disable(ctx); err != nil {
		log.Warn().Err(err).Msg("unable to disable watchdog trigger")
	}

	jobs, err := w.repo.ListAllJobs(ctx, model.ActiveStatuses)
	if err != nil {
		// keep monitoring on the next tick
		report.Reenabled = w.enable(ctx)
		return report, fmt.Errorf("watchdog scan failed: %w", err)
	}

	now := w.now().UTC()
	for _, j := range jobs {
		report.Scanned++
		problem, reason := w.overdue(ctx, j, now)
		if problem == nil {
			report.Remaining++
			continue
		}

		err := w.invoker.Invoke(ctx, invoker.OpFailJob, model.OperationInput{JobID: j.ID, Problem: problem}, j.Tracker)
		if err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("unable to invoke FailJob")
			report.Remaining++
			continue
		}
		log.Info().Str("job_id", j.ID).Str("reason", reason).Msg("failing overdue job")
		w.metrics.RecordWatchdogFailure(reason)
		report.Failed = append(report.Failed, j.ID)
	}

	if report.Remaining > 0 {
		report.Reenabled = w.enable(ctx)
	}
	return report, nil
}

func (w *Watchdog) enable(ctx context.Context) bool {
	if err := w.trigger.Enable(ctx); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("unable to enable watchdog trigger")
		return false
	}
	return true
}

// overdue returns the problem to fail j with, or nil when j may keep running.
// A passed deadline wins. A deadline that has not passed leaves only an
// explicit timeout in force.
func (w *Watchdog) overdue(ctx context.Context, j *model.Job, now time.Time) (*model.Problem, string) {
	if j.Deadline != nil && now.After(*j.Deadline) {
		return &model.Problem{
			Type:   model.ProblemDeadlinePassed,
			Title:  "Deadline passed",
			Detail: fmt.Sprintf("job did not finish before its deadline of %s", j.Deadline.UTC().Format(time.RFC3339)),
		}, "deadline"
	}

	var timeout time.Duration
	switch {
	case j.Timeout != nil:
		timeout = time.Duration(*j.Timeout) * time.Minute
	case j.Deadline == nil:
		timeout = w.defaultTimeout
	default:
		return nil, ""
	}

	elapsed := now.Sub(w.startedAt(ctx, j))
	if elapsed <= timeout {
		return nil, ""
	}
	return &model.Problem{
		Type:   model.ProblemTimeoutPassed,
		Title:  "Timeout passed",
		Detail: fmt.Sprintf("job has been running for %s, exceeding its timeout of %s", elapsed.Round(time.Second), timeout),
	}, "timeout"
}

// startedAt is the actual start of the current execution, falling back to
// its creation and then to the job's creation.
func (w *Watchdog) startedAt(ctx context.Context, j *model.Job) time.Time {
	if j.ExecutionRef == "" {
		return j.DateCreated
	}
	_, n, err := model.ParseExecutionRef(j.ExecutionRef)
	if err != nil {
		return j.DateCreated
	}
	exec, err := w.repo.GetExecution(ctx, j.ID, n)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("job_id", j.ID).Msg("unable to load current execution")
		}
		return j.DateCreated
	}
	if exec.ActualStartDate != nil {
		return *exec.ActualStartDate
	}
	if !exec.DateCreated.IsZero() {
		return exec.DateCreated
	}
	return j.DateCreated
}
