package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/util"
	"github.com/ssuji15/orca/model"
)

// Every lifecycle operation below follows the same shape: check the job
// exists, take its mutex, reload and mutate, release, then emit exactly one
// notification carrying the resulting job.

// StartExecution dispatches a New job to a worker service.
func (s *JobService) StartExecution(ctx context.Context, jobID string) (job *model.Job, err error) {
	start := time.Now()
	ctx, span := s.startOperation(ctx, "StartJob", jobID)
	defer func() { s.endOperation(ctx, span, "StartJob", start, err) }()

	if _, err = s.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	err = s.withJobLock(ctx, jobID, func(ctx context.Context) error {
		j, err := s.repo.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.Status != model.StatusNew {
			return fmt.Errorf("%w: job %s is %s, not New", ErrConflict, jobID, j.Status)
		}
		if err := s.startExecution(ctx, j); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterDispatch(ctx, job)
	s.notify(ctx, "StartJob", job)
	return job, nil
}

// RestartJob cancels the current execution, if it is still active, and
// starts a new one within a single critical section. It is the one operation
// that takes a job out of a terminal state.
func (s *JobService) RestartJob(ctx context.Context, jobID string) (job *model.Job, err error) {
	start := time.Now()
	ctx, span := s.startOperation(ctx, "RestartJob", jobID)
	defer func() { s.endOperation(ctx, span, "RestartJob", start, err) }()

	if _, err = s.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	err = s.withJobLock(ctx, jobID, func(ctx context.Context) error {
		j, err := s.repo.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !j.Status.IsTerminal() {
			if err := s.cancelExecution(ctx, j, model.StatusCanceled, nil); err != nil {
				return err
			}
		}
		if err := s.startExecution(ctx, j); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterDispatch(ctx, job)
	s.notify(ctx, "RestartJob", job)
	return job, nil
}

// CancelJob is a no-op returning the job unchanged when it is already terminal.
func (s *JobService) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.finishJob(ctx, "CancelJob", jobID, model.StatusCanceled, nil)
}

// FailJob records problem on the job and its current execution. A nil
// problem is replaced by a generic one.
func (s *JobService) FailJob(ctx context.Context, jobID string, problem *model.Problem) (*model.Job, error) {
	if problem == nil {
		problem = &model.Problem{Type: model.ProblemJobFailed, Title: "Job failed"}
	}
	return s.finishJob(ctx, "FailJob", jobID, model.StatusFailed, problem)
}

func (s *JobService) finishJob(ctx context.Context, operation, jobID string, status model.JobStatus, problem *model.Problem) (job *model.Job, err error) {
	start := time.Now()
	ctx, span := s.startOperation(ctx, operation, jobID)
	defer func() { s.endOperation(ctx, span, operation, start, err) }()

	if _, err = s.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	err = s.withJobLock(ctx, jobID, func(ctx context.Context) error {
		j, err := s.repo.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		job = j
		if j.Status.IsTerminal() {
			log := logger.FromContext(ctx)
			log.Info().Str("status", string(j.Status)).Msg("job already terminal")
			return nil
		}
		return s.cancelExecution(ctx, j, status, problem)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, operation, job)
	return job, nil
}

// ProcessNotification applies a worker report to execution n of the job.
// Reports for an execution that is no longer current are rejected with
// ErrConflict. Reports the state machine ignores still succeed.
func (s *JobService) ProcessNotification(ctx context.Context, jobID string, n int, notification model.Notification) (job *model.Job, err error) {
	start := time.Now()
	ctx, span := s.startOperation(ctx, "ProcessNotification", jobID)
	defer func() { s.endOperation(ctx, span, "ProcessNotification", start, err) }()

	if err = ValidateNotification(notification); err != nil {
		return nil, err
	}
	if _, err = s.repo.GetExecution(ctx, jobID, n); err != nil {
		return nil, err
	}

	var completed *model.Execution
	err = s.withJobLock(ctx, jobID, func(ctx context.Context) error {
		j, err := s.repo.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		exec, err := s.repo.GetExecution(ctx, jobID, n)
		if err != nil {
			return err
		}
		if j.ExecutionRef != exec.ID {
			return fmt.Errorf("%w: execution %s is not the current execution of job %s", ErrConflict, exec.ID, jobID)
		}
		job = j

		log := logger.FromContext(ctx).With().Str("execution", exec.ID).Logger()
		if ok, reason := model.AcceptNotification(j.Status, notification.Status); !ok {
			log.Info().
				Str("status", string(j.Status)).
				Str("reported", string(notification.Status)).
				Msgf("notification ignored: %s", reason)
			return nil
		}

		now := s.now().UTC()
		previous := j.Status
		// fields absent from the notification keep their stored values
		exec.Apply(notification, now)
		if err := s.repo.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		j.SyncFrom(exec, now)
		if err := s.repo.UpdateJob(ctx, j); err != nil {
			return err
		}
		if previous != j.Status {
			s.metrics.RecordTransition(string(j.Status))
		}
		s.cacheJob(ctx, j)
		if j.Status == model.StatusCompleted {
			completed = exec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed != nil {
		s.archiveOutput(ctx, completed)
	}
	s.notify(ctx, "ProcessNotification", job)
	return job, nil
}

// ValidateNotification rejects reports no execution could accept.
func ValidateNotification(n model.Notification) error {
	if !model.IsValidStatus(string(n.Status)) || n.Status == model.StatusNew {
		return fmt.Errorf("%w: unsupported notification status %q", ErrInvalid, n.Status)
	}
	if n.Progress != nil && (*n.Progress < 0 || *n.Progress > 100) {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalid, *n.Progress)
	}
	return nil
}

// startExecution creates the next execution of j and asks a worker service to
// pick it up. A failed assignment fails the execution and the job; it is not
// returned as an error. Callers hold the job's mutex.
func (s *JobService) startExecution(ctx context.Context, j *model.Job) error {
	n, err := s.repo.NextExecutionNumber(ctx, j.ID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	exec := model.NewExecution(j, n, now)
	if err := s.repo.CreateExecution(ctx, exec); err != nil {
		return err
	}

	ref, err := s.resources.CreateAssignment(ctx, model.AssignmentRequest{
		JobID:                j.ID,
		ExecutionID:          exec.ID,
		JobProfileRef:        j.JobProfileRef,
		JobInput:             j.JobInput,
		Tracker:              j.Tracker,
		NotificationEndpoint: util.GetNotificationEndpoint(s.callbackBaseURL, j.ID, n),
	})
	now = s.now().UTC()
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("execution", exec.ID).Msg("failed to create job assignment")
		exec.Finish(model.StatusFailed, &model.Problem{
			Type:   model.ProblemStartFailure,
			Title:  "Failed to start job",
			Detail: err.Error(),
		}, now)
	} else {
		exec.JobAssignmentRef = ref
		exec.Status = model.StatusQueued
		exec.DateModified = now
	}

	if err := s.repo.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	j.SyncFrom(exec, now)
	if err := s.repo.UpdateJob(ctx, j); err != nil {
		return err
	}
	s.metrics.RecordTransition(string(j.Status))
	s.cacheJob(ctx, j)
	return nil
}

// cancelExecution moves the current execution and j into status. Cancelling
// the assignment is best-effort. Callers hold the job's mutex.
func (s *JobService) cancelExecution(ctx context.Context, j *model.Job, status model.JobStatus, problem *model.Problem) error {
	now := s.now().UTC()
	exec, err := s.currentExecution(ctx, j)
	if err != nil {
		return err
	}

	if exec == nil {
		// never dispatched
		j.Status = status
		if problem != nil {
			j.Error = problem
		}
		j.DateModified = now
	} else {
		if !exec.Status.IsTerminal() {
			if exec.JobAssignmentRef != "" {
				if err := s.resources.CancelAssignment(ctx, exec.JobAssignmentRef); err != nil {
					s.warnDependency(ctx, err, exec.ID, "unable to cancel job assignment")
				}
			}
			exec.Finish(status, problem, now)
			if err := s.repo.UpdateExecution(ctx, exec); err != nil {
				return err
			}
		}
		j.SyncFrom(exec, now)
	}

	if err := s.repo.UpdateJob(ctx, j); err != nil {
		return err
	}
	s.metrics.RecordTransition(string(j.Status))
	s.cacheJob(ctx, j)
	return nil
}

// currentExecution returns nil when the job has no execution yet.
func (s *JobService) currentExecution(ctx context.Context, j *model.Job) (*model.Execution, error) {
	if j.ExecutionRef == "" {
		return nil, nil
	}
	_, n, err := model.ParseExecutionRef(j.ExecutionRef)
	if err != nil {
		return nil, err
	}
	exec, err := s.repo.GetExecution(ctx, j.ID, n)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return exec, err
}

// afterDispatch re-arms the watchdog once a job has left New.
func (s *JobService) afterDispatch(ctx context.Context, j *model.Job) {
	if s.trigger == nil || j.Status.IsTerminal() {
		return
	}
	if err := s.trigger.Enable(ctx); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("unable to enable watchdog trigger")
	}
}

func (s *JobService) archiveOutput(ctx context.Context, exec *model.Execution) {
	if s.storage == nil {
		return
	}
	output := exec.JobOutput
	if output == nil {
		output = map[string]any{}
	}
	data, err := json.Marshal(output)
	if err == nil {
		err = s.storage.Upload(ctx, util.GetOutputPath(exec.JobID, exec.Number), data)
	}
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("execution", exec.ID).Msg("unable to archive execution output")
	}
}
