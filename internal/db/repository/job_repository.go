package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/ssuji15/orca/internal/docstore"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/util"
	"github.com/ssuji15/orca/model"
)

// JobsPartition holds one document per job, keyed by job id.
const JobsPartition = "jobs"

var (
	ErrNotFound      = docstore.ErrNotFound
	ErrAlreadyExists = errors.New("repository: already exists")
)

// JobRepository stores jobs and their executions in a docstore.Store. The
// executions of a job share the partition "executions/<jobId>" and are sorted
// by zero-padded execution number.
type JobRepository struct {
	store docstore.Store
}

func NewJobRepository(store docstore.Store) *JobRepository {
	return &JobRepository{store: store}
}

func jobKey(id string) docstore.Key {
	return docstore.Key{Partition: JobsPartition, Sort: id}
}

func executionKey(jobID string, n int) docstore.Key {
	return docstore.Key{Partition: util.GetExecutionPartition(jobID), Sort: util.GetExecutionSortKey(n)}
}

func (r *JobRepository) CreateJob(ctx context.Context, j *model.Job) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Repository/CreateJob")
	defer span.End()

	it, err := docstore.NewItem(jobKey(j.ID), j)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if _, err := r.store.Put(ctx, it, &docstore.Condition{NotExists: true}); err != nil {
		if errors.Is(err, docstore.ErrConditionFailed) {
			return fmt.Errorf("job %s: %w", j.ID, ErrAlreadyExists)
		}
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to create job %s: %w", j.ID, err)
	}
	return nil
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	it, err := r.store.Get(ctx, jobKey(id))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	var j model.Job
	if err := it.Decode(&j); err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJob overwrites the stored job. Callers hold the job's mutex.
func (r *JobRepository) UpdateJob(ctx context.Context, j *model.Job) error {
	it, err := docstore.NewItem(jobKey(j.ID), j)
	if err != nil {
		return err
	}
	if _, err := r.store.Put(ctx, it, nil); err != nil {
		return fmt.Errorf("failed to update job %s: %w", j.ID, err)
	}
	return nil
}

func (r *JobRepository) DeleteJob(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, jobKey(id), nil); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// ListJobs returns one page of jobs whose status is one of statuses, or every
// job when statuses is empty.
func (r *JobRepository) ListJobs(ctx context.Context, statuses []model.JobStatus, pageToken string) ([]*model.Job, string, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Repository/ListJobs")
	defer span.End()

	filter := docstore.Filter{}
	if len(statuses) > 0 {
		filter.Field = "status"
		for _, s := range statuses {
			filter.In = append(filter.In, string(s))
		}
	}
	page, err := r.store.Query(ctx, JobsPartition, filter, pageToken)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, "", fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]*model.Job, 0, len(page.Items))
	for i := range page.Items {
		var j model.Job
		if err := page.Items[i].Decode(&j); err != nil {
			return nil, "", err
		}
		jobs = append(jobs, &j)
	}
	return jobs, page.NextPageToken, nil
}

// ListAllJobs follows page tokens until the listing is exhausted.
func (r *JobRepository) ListAllJobs(ctx context.Context, statuses []model.JobStatus) ([]*model.Job, error) {
	var all []*model.Job
	token := ""
	for {
		jobs, next, err := r.ListJobs(ctx, statuses, token)
		if err != nil {
			return nil, err
		}
		all = append(all, jobs...)
		if next == "" {
			return all, nil
		}
		token = next
	}
}

func (r *JobRepository) GetExecution(ctx context.Context, jobID string, n int) (*model.Execution, error) {
	it, err := r.store.Get(ctx, executionKey(jobID, n))
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", model.ExecutionRef(jobID, n), err)
	}
	var e model.Execution
	if err := it.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateExecution stores a new execution and fails if its number is taken.
func (r *JobRepository) CreateExecution(ctx context.Context, e *model.Execution) error {
	it, err := docstore.NewItem(executionKey(e.JobID, e.Number), e)
	if err != nil {
		return err
	}
	if _, err := r.store.Put(ctx, it, &docstore.Condition{NotExists: true}); err != nil {
		if errors.Is(err, docstore.ErrConditionFailed) {
			return fmt.Errorf("execution %s: %w", e.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create execution %s: %w", e.ID, err)
	}
	return nil
}

func (r *JobRepository) UpdateExecution(ctx context.Context, e *model.Execution) error {
	it, err := docstore.NewItem(executionKey(e.JobID, e.Number), e)
	if err != nil {
		return err
	}
	if _, err := r.store.Put(ctx, it, nil); err != nil {
		return fmt.Errorf("failed to update execution %s: %w", e.ID, err)
	}
	return nil
}

// ListExecutions returns every execution of a job in ascending number order.
func (r *JobRepository) ListExecutions(ctx context.Context, jobID string) ([]*model.Execution, error) {
	var out []*model.Execution
	token := ""
	for {
		page, err := r.store.Query(ctx, util.GetExecutionPartition(jobID), docstore.Filter{}, token)
		if err != nil {
			return nil, fmt.Errorf("failed to list executions of %s: %w", jobID, err)
		}
		for i := range page.Items {
			var e model.Execution
			if err := page.Items[i].Decode(&e); err != nil {
				return nil, err
			}
			out = append(out, &e)
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

// NextExecutionNumber is one past the highest stored execution number.
func (r *JobRepository) NextExecutionNumber(ctx context.Context, jobID string) (int, error) {
	execs, err := r.ListExecutions(ctx, jobID)
	if err != nil {
		return 0, err
	}
	next := 1
	for _, e := range execs {
		if e.Number >= next {
			next = e.Number + 1
		}
	}
	return next, nil
}

func (r *JobRepository) DeleteExecutions(ctx context.Context, jobID string) error {
	execs, err := r.ListExecutions(ctx, jobID)
	if err != nil {
		return err
	}
	for _, e := range execs {
		if err := r.store.Delete(ctx, executionKey(jobID, e.Number), nil); err != nil {
			return fmt.Errorf("failed to delete execution %s: %w", e.ID, err)
		}
	}
	return nil
}
