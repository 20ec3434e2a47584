package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/db/repository"
	"github.com/ssuji15/orca/internal/dispatcher"
	"github.com/ssuji15/orca/internal/docstore"
	"github.com/ssuji15/orca/internal/docstore/memory"
	"github.com/ssuji15/orca/internal/invoker"
	jobservice "github.com/ssuji15/orca/internal/service/job_service"
	"github.com/ssuji15/orca/internal/trigger"
	"github.com/ssuji15/orca/model"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func minutes(n int) *int { return &n }

func at(t time.Time) *time.Time { return &t }

type recordingInvoker struct {
	mu    sync.Mutex
	calls []model.OperationInput
	err   error
}

func (r *recordingInvoker) Invoke(_ context.Context, op string, in model.OperationInput, _ *model.Tracker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if op == invoker.OpFailJob {
		r.calls = append(r.calls, in)
	}
	return nil
}

type fakeTrigger struct {
	enabled    bool
	disables   int
	enables    int
	disableErr error
}

func (f *fakeTrigger) Enable(context.Context) error {
	f.enables++
	f.enabled = true
	return nil
}

func (f *fakeTrigger) Disable(context.Context) error {
	f.disables++
	if f.disableErr != nil {
		return f.disableErr
	}
	f.enabled = false
	return nil
}

func (f *fakeTrigger) Enabled(context.Context) (bool, error) { return f.enabled, nil }

// seed stores a job and, when exec is non-nil, its current execution.
func seed(t *testing.T, repo *repository.JobRepository, j *model.Job, exec *model.Execution) {
	t.Helper()
	ctx := context.Background()
	if exec != nil {
		exec.ID = model.ExecutionRef(j.ID, exec.Number)
		exec.JobID = j.ID
		j.ExecutionRef = exec.ID
	}
	require.NoError(t, repo.CreateJob(ctx, j))
	if exec != nil {
		require.NoError(t, repo.CreateExecution(ctx, exec))
	}
}

func TestOverdue(t *testing.T) {
	tests := []struct {
		name     string
		job      model.Job
		exec     *model.Execution
		wantType string
	}{
		{
			name:     "deadline passed",
			job:      model.Job{Status: model.StatusQueued, Deadline: at(now.Add(-time.Minute)), DateCreated: now},
			wantType: model.ProblemDeadlinePassed,
		},
		{
			name:     "deadline passed wins over timeout",
			job:      model.Job{Status: model.StatusRunning, Deadline: at(now.Add(-time.Second)), Timeout: minutes(60), DateCreated: now},
			wantType: model.ProblemDeadlinePassed,
		},
		{
			name:     "timeout measured from actual start",
			job:      model.Job{Status: model.StatusRunning, Timeout: minutes(5), DateCreated: now.Add(-time.Minute)},
			exec:     &model.Execution{Number: 1, Status: model.StatusRunning, ActualStartDate: at(now.Add(-10 * time.Minute)), DateCreated: now.Add(-time.Minute)},
			wantType: model.ProblemTimeoutPassed,
		},
		{
			name: "timeout not yet passed",
			job:  model.Job{Status: model.StatusRunning, Timeout: minutes(5), DateCreated: now.Add(-time.Hour)},
			exec: &model.Execution{Number: 1, Status: model.StatusRunning, ActualStartDate: at(now.Add(-4 * time.Minute)), DateCreated: now.Add(-time.Hour)},
		},
		{
			name:     "unstarted execution falls back to its creation",
			job:      model.Job{Status: model.StatusQueued, Timeout: minutes(5), DateCreated: now},
			exec:     &model.Execution{Number: 1, Status: model.StatusQueued, DateCreated: now.Add(-6 * time.Minute)},
			wantType: model.ProblemTimeoutPassed,
		},
		{
			name:     "job without execution uses its own creation",
			job:      model.Job{Status: model.StatusNew, Timeout: minutes(5), DateCreated: now.Add(-6 * time.Minute)},
			wantType: model.ProblemTimeoutPassed,
		},
		{
			name:     "default timeout without deadline",
			job:      model.Job{Status: model.StatusNew, DateCreated: now.Add(-31 * time.Minute)},
			wantType: model.ProblemTimeoutPassed,
		},
		{
			name: "default timeout not yet passed",
			job:  model.Job{Status: model.StatusNew, DateCreated: now.Add(-29 * time.Minute)},
		},
		{
			name: "pending deadline suppresses default timeout",
			job:  model.Job{Status: model.StatusRunning, Deadline: at(now.Add(time.Hour)), DateCreated: now.Add(-24 * time.Hour)},
		},
		{
			name:     "pending deadline keeps explicit timeout",
			job:      model.Job{Status: model.StatusRunning, Deadline: at(now.Add(time.Hour)), Timeout: minutes(1), DateCreated: now.Add(-2 * time.Minute)},
			wantType: model.ProblemTimeoutPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewJobRepository(memory.NewStore(0))
			j := tt.job
			j.ID = "job-1"
			seed(t, repo, &j, tt.exec)

			w := New(repo, &fakeTrigger{}, &recordingInvoker{}, 30, WithClock(clock))
			problem, _ := w.overdue(context.Background(), &j, now)
			if tt.wantType == "" {
				require.Nil(t, problem)
				return
			}
			require.NotNil(t, problem)
			require.Equal(t, tt.wantType, problem.Type)
		})
	}
}

func TestRunFailsOverdueJobs(t *testing.T) {
	repo := repository.NewJobRepository(memory.NewStore(0))
	seed(t, repo, &model.Job{ID: "late", Status: model.StatusRunning, Deadline: at(now.Add(-time.Minute)), DateCreated: now.Add(-time.Hour)}, nil)
	seed(t, repo, &model.Job{ID: "fine", Status: model.StatusQueued, Timeout: minutes(60), DateCreated: now.Add(-time.Minute)}, nil)
	seed(t, repo, &model.Job{ID: "done", Status: model.StatusCompleted, DateCreated: now.Add(-48 * time.Hour)}, nil)

	inv := &recordingInvoker{}
	trig := &fakeTrigger{enabled: true}
	w := New(repo, trig, inv, 30, WithClock(clock))

	report, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Scanned)
	require.Equal(t, []string{"late"}, report.Failed)
	require.Equal(t, 1, report.Remaining)
	require.True(t, report.Reenabled)

	require.Len(t, inv.calls, 1)
	require.Equal(t, "late", inv.calls[0].JobID)
	require.Equal(t, model.ProblemDeadlinePassed, inv.calls[0].Problem.Type)
	require.Equal(t, 1, trig.disables)
	require.True(t, trig.enabled)
}

func TestRunLeavesTriggerDisabledWhenNothingRemains(t *testing.T) {
	repo := repository.NewJobRepository(memory.NewStore(0))
	seed(t, repo, &model.Job{ID: "late", Status: model.StatusRunning, Deadline: at(now.Add(-time.Minute)), DateCreated: now}, nil)

	trig := &fakeTrigger{enabled: true}
	report, err := New(repo, trig, &recordingInvoker{}, 30, WithClock(clock)).Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Reenabled)
	require.Equal(t, 0, trig.enables)
	require.False(t, trig.enabled)
}

func TestRunCountsFailedInvocationsAsRemaining(t *testing.T) {
	repo := repository.NewJobRepository(memory.NewStore(0))
	seed(t, repo, &model.Job{ID: "late", Status: model.StatusRunning, Deadline: at(now.Add(-time.Minute)), DateCreated: now}, nil)

	trig := &fakeTrigger{}
	report, err := New(repo, trig, &recordingInvoker{err: errors.New("queue down")}, 30, WithClock(clock)).Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	require.Equal(t, 1, report.Remaining)
	require.True(t, trig.enabled)
}

func TestRunIgnoresTriggerDisableFailure(t *testing.T) {
	repo := repository.NewJobRepository(memory.NewStore(0))
	trig := &fakeTrigger{enabled: true, disableErr: errors.New("store down")}
	report, err := New(repo, trig, &recordingInvoker{}, 30, WithClock(clock)).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.Scanned)
}

// failingQuery breaks listing while leaving point reads and writes alone.
type failingQuery struct {
	docstore.Store
}

func (failingQuery) Query(context.Context, string, docstore.Filter, string) (docstore.Page, error) {
	return docstore.Page{}, errors.New("query unavailable")
}

func TestRunReenablesTriggerWhenListingFails(t *testing.T) {
	store := failingQuery{Store: memory.NewStore(0)}
	trig := trigger.NewStoreTrigger(store, TriggerName)
	w := New(repository.NewJobRepository(store), trig, &recordingInvoker{}, 30, WithClock(clock))

	report, err := w.Run(context.Background())
	require.Error(t, err)
	require.True(t, report.Reenabled)

	enabled, err := trig.Enabled(context.Background())
	require.NoError(t, err)
	require.True(t, enabled)
}

type noopResources struct {
	mu       sync.Mutex
	canceled []string
}

func (r *noopResources) CreateAssignment(_ context.Context, req model.AssignmentRequest) (string, error) {
	return "assignments/" + req.ExecutionID, nil
}

func (r *noopResources) CancelAssignment(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, ref)
	return nil
}

func (r *noopResources) DeleteAssignment(context.Context, string) error { return nil }
func (r *noopResources) SendNotification(context.Context, *model.Job)   {}

func TestTimeoutFailsRunningJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(0)
	res := &noopResources{}
	svc := jobservice.NewJobService(store, res,
		jobservice.WithClock(clock),
		jobservice.WithLockConfig(config.LockConfig{TIMEOUT: time.Minute, BACKOFF: time.Millisecond, WAIT: 5 * time.Second}),
	)
	repo := svc.Repository()
	seed(t, repo,
		&model.Job{ID: "job-1", Status: model.StatusRunning, JobProfileRef: "profiles/render", Timeout: minutes(5), DateCreated: now.Add(-11 * time.Minute)},
		&model.Execution{Number: 1, Status: model.StatusRunning, JobAssignmentRef: "assignments/a-1", ActualStartDate: at(now.Add(-10 * time.Minute)), DateCreated: now.Add(-11 * time.Minute)},
	)

	inv := invoker.NewLocalInvoker(dispatcher.NewHandler(svc))
	trig := trigger.NewStoreTrigger(store, TriggerName)
	report, err := New(repo, trig, inv, 30, WithClock(clock)).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, report.Failed)
	inv.Wait()

	j, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	require.Contains(t, j.Error.Type, "timeout-passed")

	exec, err := repo.GetExecution(ctx, "job-1", 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, exec.Status)
	require.NotNil(t, exec.ActualEndDate)
	require.Equal(t, []string{"assignments/a-1"}, res.canceled)

	enabled, err := trig.Enabled(ctx)
	require.NoError(t, err)
	require.False(t, enabled)
}
