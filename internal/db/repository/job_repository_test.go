package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/orca/internal/docstore/memory"
	"github.com/ssuji15/orca/model"
)

func newJob(id string, status model.JobStatus) *model.Job {
	now := time.Now().UTC()
	return &model.Job{
		ID:            id,
		Status:        status,
		JobProfileRef: "transcode",
		JobInput:      map[string]any{"src": "s3://in/a.mp4"},
		DateCreated:   now,
		DateModified:  now,
	}
}

func TestJobRepository_CreateGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(memory.NewStore(0))

	j := newJob("job-1", model.StatusNew)
	require.NoError(t, repo.CreateJob(ctx, j))
	require.ErrorIs(t, repo.CreateJob(ctx, j), ErrAlreadyExists)

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusNew, got.Status)
	require.Equal(t, "s3://in/a.mp4", got.JobInput["src"])

	got.Status = model.StatusQueued
	require.NoError(t, repo.UpdateJob(ctx, got))
	got, err = repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, got.Status)

	require.NoError(t, repo.DeleteJob(ctx, "job-1"))
	_, err = repo.GetJob(ctx, "job-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJobRepository_ListJobs(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(memory.NewStore(2))

	statuses := []model.JobStatus{model.StatusNew, model.StatusRunning, model.StatusCompleted, model.StatusQueued, model.StatusFailed}
	for i, s := range statuses {
		require.NoError(t, repo.CreateJob(ctx, newJob(fmt.Sprintf("job-%d", i), s)))
	}

	tests := []struct {
		name     string
		statuses []model.JobStatus
		want     int
	}{
		{"all jobs", nil, 5},
		{"active jobs", model.ActiveStatuses, 3},
		{"terminal only", []model.JobStatus{model.StatusCompleted, model.StatusFailed, model.StatusCanceled}, 2},
		{"no match", []model.JobStatus{model.StatusCanceled}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := repo.ListAllJobs(ctx, tt.statuses)
			require.NoError(t, err)
			require.Len(t, jobs, tt.want)
		})
	}

	page, next, err := repo.ListJobs(ctx, nil, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotEmpty(t, next)
}

func TestJobRepository_Executions(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(memory.NewStore(3))
	j := newJob("job-1", model.StatusNew)
	require.NoError(t, repo.CreateJob(ctx, j))

	n, err := repo.NextExecutionNumber(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	now := time.Now().UTC()
	for i := 1; i <= 11; i++ {
		require.NoError(t, repo.CreateExecution(ctx, model.NewExecution(j, i, now)))
	}
	require.ErrorIs(t, repo.CreateExecution(ctx, model.NewExecution(j, 3, now)), ErrAlreadyExists)

	execs, err := repo.ListExecutions(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, execs, 11)
	for i, e := range execs {
		require.Equal(t, i+1, e.Number)
	}

	n, err = repo.NextExecutionNumber(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 12, n)

	e, err := repo.GetExecution(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Equal(t, "job-1/executions/10", e.ID)

	e.Status = model.StatusRunning
	require.NoError(t, repo.UpdateExecution(ctx, e))
	e, err = repo.GetExecution(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, e.Status)

	_, err = repo.GetExecution(ctx, j.ID, 99)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.DeleteExecutions(ctx, j.ID))
	execs, err = repo.ListExecutions(ctx, j.ID)
	require.NoError(t, err)
	require.Empty(t, execs)
}
