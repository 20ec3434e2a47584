package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/orca/internal/cache"
	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/db/repository"
	"github.com/ssuji15/orca/internal/docstore"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/metrics"
	"github.com/ssuji15/orca/internal/mutex"
	"github.com/ssuji15/orca/internal/resource"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/storage"
	"github.com/ssuji15/orca/internal/trigger"
	"github.com/ssuji15/orca/internal/util"
	"github.com/ssuji15/orca/model"
)

type JobService struct {
	repo      *repository.JobRepository
	store     docstore.Store
	resources resource.ResourceManager

	cache           cache.Cache
	storage         storage.Storage
	trigger         trigger.Trigger
	metrics         *metrics.Collector
	lock            config.LockConfig
	callbackBaseURL string
	now             func() time.Time
}

type Option func(*JobService)

// WithCache enables the read-through job cache.
func WithCache(c cache.Cache) Option {
	return func(s *JobService) { s.cache = c }
}

// WithStorage archives the output of completed executions.
func WithStorage(st storage.Storage) Option {
	return func(s *JobService) { s.storage = st }
}

// WithTrigger re-enables the watchdog trigger whenever a job is dispatched.
func WithTrigger(t trigger.Trigger) Option {
	return func(s *JobService) { s.trigger = t }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *JobService) { s.metrics = m }
}

func WithLockConfig(cfg config.LockConfig) Option {
	return func(s *JobService) { s.lock = cfg }
}

func WithCallbackBaseURL(u string) Option {
	return func(s *JobService) { s.callbackBaseURL = u }
}

func WithClock(now func() time.Time) Option {
	return func(s *JobService) { s.now = now }
}

func NewJobService(store docstore.Store, rm resource.ResourceManager, opts ...Option) *JobService {
	s := &JobService{
		repo:      repository.NewJobRepository(store),
		store:     store,
		resources: rm,
		lock: config.LockConfig{
			TIMEOUT: mutex.DefaultLockTimeout,
			BACKOFF: mutex.DefaultBackoff,
			WAIT:    30 * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *JobService) Repository() *repository.JobRepository {
	return s.repo
}

func (s *JobService) CreateJob(ctx context.Context, req model.JobRequest) (*model.Job, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "JobService/CreateJob")
	defer span.End()

	if err := validateJobRequest(req); err != nil {
		return nil, err
	}

	jobID, err := uuid.NewV7()
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	now := s.now().UTC()
	job := &model.Job{
		ID:                   jobID.String(),
		Status:               model.StatusNew,
		JobProfileRef:        req.JobProfileRef,
		JobInput:             req.JobInput,
		Tracker:              req.Tracker,
		NotificationEndpoint: req.NotificationEndpoint,
		Deadline:             req.Deadline,
		Timeout:              req.Timeout,
		DateCreated:          now,
		DateModified:         now,
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	s.metrics.RecordJobCreated()
	s.metrics.RecordTransition(string(model.StatusNew))
	s.cacheJob(ctx, job)
	s.notify(ctx, "CreateJob", job)
	return job, nil
}

func validateJobRequest(req model.JobRequest) error {
	if req.JobProfileRef == "" {
		return fmt.Errorf("%w: jobProfileRef cannot be empty", ErrInvalid)
	}
	if req.Timeout != nil && *req.Timeout < 1 {
		return fmt.Errorf("%w: timeout must be at least one minute", ErrInvalid)
	}
	if req.NotificationEndpoint != nil && req.NotificationEndpoint.HTTPEndpoint == "" {
		return fmt.Errorf("%w: notificationEndpoint.httpEndpoint cannot be empty", ErrInvalid)
	}
	return nil
}

func (s *JobService) GetJob(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id cannot be empty", ErrInvalid)
	}

	// 1. Retrieve from cache
	if s.cache != nil {
		job := &model.Job{}
		if err := s.cache.Get(ctx, util.GetJobCacheKey(id), job); err == nil {
			return job, nil
		}
	}

	// 2. Retrieve from the store
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	// 3. Add job to cache, ignore error
	s.cacheJob(ctx, job)
	return job, nil
}

func (s *JobService) ListJobs(ctx context.Context, statuses []model.JobStatus, pageToken string) ([]*model.Job, string, error) {
	for _, st := range statuses {
		if !model.IsValidStatus(string(st)) {
			return nil, "", fmt.Errorf("%w: unknown status %q", ErrInvalid, st)
		}
	}
	return s.repo.ListJobs(ctx, statuses, pageToken)
}

func (s *JobService) ListExecutions(ctx context.Context, jobID string) ([]*model.Execution, error) {
	if _, err := s.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.repo.ListExecutions(ctx, jobID)
}

// GetExecutionOutput returns the output of one execution as JSON. Archived
// outputs are served from object storage; anything else from the execution record.
func (s *JobService) GetExecutionOutput(ctx context.Context, jobID string, n int) ([]byte, error) {
	exec, err := s.repo.GetExecution(ctx, jobID, n)
	if err != nil {
		return nil, err
	}
	if s.storage != nil && exec.Status == model.StatusCompleted {
		data, err := s.storage.Download(ctx, util.GetOutputPath(jobID, n))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, storage.ErrObjectNotFound) {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("execution", exec.ID).Msg("unable to download archived output")
		}
	}
	if exec.JobOutput == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(exec.JobOutput)
}

// DeleteJob removes a job and its executions. Assignments and the cache entry
// are cleaned up best-effort.
func (s *JobService) DeleteJob(ctx context.Context, jobID string) (err error) {
	start := time.Now()
	ctx, span := s.startOperation(ctx, "DeleteJob", jobID)
	defer func() { s.endOperation(ctx, span, "DeleteJob", start, err) }()

	if _, err = s.repo.GetJob(ctx, jobID); err != nil {
		return err
	}

	err = s.withJobLock(ctx, jobID, func(ctx context.Context) error {
		execs, err := s.repo.ListExecutions(ctx, jobID)
		if err != nil {
			return err
		}
		for _, e := range execs {
			if e.JobAssignmentRef == "" {
				continue
			}
			if err := s.resources.DeleteAssignment(ctx, e.JobAssignmentRef); err != nil {
				s.warnDependency(ctx, err, e.ID, "unable to delete job assignment")
			}
		}
		if err := s.repo.DeleteExecutions(ctx, jobID); err != nil {
			return err
		}
		return s.repo.DeleteJob(ctx, jobID)
	})
	if err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, util.GetJobCacheKey(jobID))
	}
	return nil
}

func (s *JobService) cacheJob(ctx context.Context, job *model.Job) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, util.GetJobCacheKey(job.ID), job, s.cache.GetDefaultTTL()); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("job_id", job.ID).Msg("Unable to add job to cache")
	}
}

func (s *JobService) notify(ctx context.Context, operation string, job *model.Job) {
	s.resources.SendNotification(ctx, job)
	s.metrics.RecordNotification(operation)
}

func (s *JobService) warnDependency(ctx context.Context, err error, executionID, msg string) {
	log := logger.FromContext(ctx)
	log.Warn().Err(err).Str("execution", executionID).Msg(msg)
}

func (s *JobService) startOperation(ctx context.Context, operation, jobID string) (context.Context, trace.Span) {
	if logger.InvocationID(ctx) == "" {
		ctx = logger.WithInvocation(ctx, uuid.NewString())
	}
	log := logger.FromContext(ctx).With().Str("operation", operation).Str("job_id", jobID).Logger()
	ctx = logger.WithContext(ctx, log)
	return job_tracer.GetTracer().Start(ctx, "JobService/"+operation,
		trace.WithAttributes(attribute.String("job_id", jobID)))
}

func (s *JobService) endOperation(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	if err != nil {
		util.RecordSpanError(span, err)
	}
	job_tracer.RecordOperation(ctx, operation, start, err)
	span.End()
}

// withJobLock runs fn while holding the job's mutex. Acquisition gives up
// after the configured wait.
func (s *JobService) withJobLock(ctx context.Context, jobID string, fn func(context.Context) error) error {
	m := mutex.New(s.store, jobID, logger.InvocationID(ctx),
		mutex.WithLockTimeout(s.lock.TIMEOUT),
		mutex.WithBackoff(s.lock.BACKOFF),
		mutex.WithObserver(s.metrics),
	)

	lockCtx := ctx
	if s.lock.WAIT > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lock.WAIT)
		defer cancel()
	}
	if err := m.Lock(lockCtx); err != nil {
		return err
	}
	defer func() {
		if err := m.Unlock(context.WithoutCancel(ctx)); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Msg("failed to release job lock")
		}
	}()
	return fn(ctx)
}
