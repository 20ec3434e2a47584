package invoker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/orca/internal/queue"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/model"
)

type fakeQueue struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (q *fakeQueue) PublishEvent(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.subjects = append(q.subjects, subject)
	q.payloads = append(q.payloads, data)
	return nil
}
func (q *fakeQueue) Subscribe(string, string) (queue.Subscription, error) { return nil, nil }
func (q *fakeQueue) ShutDown(context.Context)                            {}

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
	ids   []string
	err   error
}

func (h *recordingHandler) Handle(ctx context.Context, op string, in model.OperationInput) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, op+":"+in.JobID)
	h.ids = append(h.ids, logger.InvocationID(ctx))
	return h.err
}

func TestQueueInvoker(t *testing.T) {
	tests := []struct {
		name      string
		op        string
		in        model.OperationInput
		wantSubj  string
		expectErr bool
	}{
		{name: "fail job", op: OpFailJob, in: model.OperationInput{JobID: "job-1", Problem: &model.Problem{Type: model.ProblemTimeoutPassed}}, wantSubj: "ops.FailJob"},
		{name: "start job", op: OpStartJob, in: model.OperationInput{JobID: "job-2"}, wantSubj: "ops.StartJob"},
		{name: "unknown operation", op: "Explode", in: model.OperationInput{JobID: "job-3"}, expectErr: true},
		{name: "missing job id", op: OpCancelJob, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			inv := NewQueueInvoker(q)
			tracker := &model.Tracker{ID: "t-1"}

			err := inv.Invoke(context.Background(), tt.op, tt.in, tracker)
			if tt.expectErr {
				require.Error(t, err)
				require.Empty(t, q.subjects)
				return
			}
			require.NoError(t, err)
			require.Equal(t, []string{tt.wantSubj}, q.subjects)

			msg, err := DecodeMessage(q.payloads[0])
			require.NoError(t, err)
			require.Equal(t, tt.op, msg.Operation)
			require.Equal(t, tt.in, msg.Input)
			require.Equal(t, tracker, msg.Tracker)
			require.NotEmpty(t, msg.InvocationID)
		})
	}
}

func TestQueueInvokerPublishError(t *testing.T) {
	inv := NewQueueInvoker(&fakeQueue{err: errors.New("nats: timeout")})
	require.Error(t, inv.Invoke(context.Background(), OpFailJob, model.OperationInput{JobID: "job-1"}, nil))
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		expectErr bool
	}{
		{name: "valid", data: `{"operation":"CancelJob","invocationId":"i","input":{"jobId":"j"}}`},
		{name: "not json", data: `nope`, expectErr: true},
		{name: "unknown operation", data: `{"operation":"Nope","input":{"jobId":"j"}}`, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.data))
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLocalInvoker(t *testing.T) {
	h := &recordingHandler{err: errors.New("handled with error")}
	inv := NewLocalInvoker(h)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, inv.Invoke(ctx, OpCancelJob, model.OperationInput{JobID: "job-1"}, nil))
	require.NoError(t, inv.Invoke(ctx, OpRestartJob, model.OperationInput{JobID: "job-2"}, nil))
	// invocations outlive the caller
	cancel()
	inv.Wait()

	require.ElementsMatch(t, []string{"CancelJob:job-1", "RestartJob:job-2"}, h.calls)
	require.Len(t, h.ids, 2)
	require.NotEmpty(t, h.ids[0])
	require.NotEqual(t, h.ids[0], h.ids[1])

	require.Error(t, inv.Invoke(context.Background(), "Nope", model.OperationInput{JobID: "job-1"}, nil))
}
