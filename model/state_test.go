package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcceptNotification(t *testing.T) {
	tests := []struct {
		current  JobStatus
		reported JobStatus
		want     bool
	}{
		{StatusQueued, StatusScheduled, true},
		{StatusQueued, StatusRunning, true},
		{StatusScheduled, StatusRunning, true},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusScheduled, false},
		{StatusScheduled, StatusFailed, true},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCanceled, StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.reported), func(t *testing.T) {
			got, reason := AcceptNotification(tt.current, tt.reported)
			require.Equal(t, tt.want, got)
			if !got {
				require.NotEmpty(t, reason)
			}
		})
	}
}

func TestComputeDuration(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	before := start.Add(-time.Second)

	require.Equal(t, int64(1500), ComputeDuration(&start, &end))
	require.Equal(t, int64(0), ComputeDuration(&start, &start))
	require.Equal(t, int64(0), ComputeDuration(nil, &end))
	require.Equal(t, int64(0), ComputeDuration(&start, nil))
	require.Equal(t, int64(0), ComputeDuration(&start, &before))
}

func TestApplyStampsDatesOnce(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	j := &Job{ID: "job-1"}
	e := NewExecution(j, 1, t0)
	require.Equal(t, StatusNew, e.Status)
	require.Equal(t, "job-1/executions/1", e.ID)

	e.Apply(Notification{Status: StatusScheduled}, t0.Add(time.Second))
	require.Equal(t, t0.Add(time.Second), *e.ActualStartDate)

	progress := 40
	e.Apply(Notification{Status: StatusRunning, Progress: &progress}, t0.Add(2*time.Second))
	require.Equal(t, t0.Add(time.Second), *e.ActualStartDate, "start date is set once")
	require.Equal(t, 40, *e.Progress)
	progress = 90
	require.Equal(t, 40, *e.Progress, "progress is copied")

	e.Apply(Notification{Status: StatusCompleted, JobOutput: map[string]any{"frames": 24}}, t0.Add(4*time.Second))
	require.Equal(t, t0.Add(4*time.Second), *e.ActualEndDate)
	require.Equal(t, int64(3000), e.ActualDuration)
	require.Equal(t, 24, e.JobOutput["frames"])
	require.Equal(t, 40, *e.Progress, "absent fields are kept")

	e.Finish(StatusFailed, nil, t0.Add(10*time.Second))
	require.Equal(t, t0.Add(4*time.Second), *e.ActualEndDate, "end date is set once")
	require.Equal(t, int64(3000), e.ActualDuration)
}

func TestFinishWithoutStart(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewExecution(&Job{ID: "job-1"}, 2, t0)
	problem := &Problem{Type: ProblemStartFailure}

	e.Finish(StatusFailed, problem, t0.Add(time.Minute))
	require.Nil(t, e.ActualStartDate)
	require.NotNil(t, e.ActualEndDate)
	require.Equal(t, int64(0), e.ActualDuration)
	require.Equal(t, problem, e.Error)
}

func TestSyncFrom(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	j := &Job{ID: "job-1", Status: StatusQueued}
	e := NewExecution(j, 3, t0)
	e.Apply(Notification{
		Status:    StatusFailed,
		Error:     &Problem{Type: ProblemJobFailed},
		JobOutput: map[string]any{"log": "oom"},
	}, t0)

	j.SyncFrom(e, t0.Add(time.Second))
	require.Equal(t, StatusFailed, j.Status)
	require.Equal(t, ProblemJobFailed, j.Error.Type)
	require.Equal(t, "job-1/executions/3", j.ExecutionRef)
	require.Equal(t, t0.Add(time.Second), j.DateModified)

	j.JobOutput["log"] = "changed"
	require.Equal(t, "oom", e.JobOutput["log"])
}
