// Package dispatcher executes lifecycle operations received from the
// operations stream.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssuji15/orca/internal/invoker"
	"github.com/ssuji15/orca/internal/queue"
	jobservice "github.com/ssuji15/orca/internal/service/job_service"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/model"
)

const (
	DefaultBatch     = 10
	DefaultFetchWait = 250 * time.Millisecond
)

// Lifecycle is the part of the job service operations map onto.
type Lifecycle interface {
	StartExecution(ctx context.Context, jobID string) (*model.Job, error)
	ProcessNotification(ctx context.Context, jobID string, n int, notification model.Notification) (*model.Job, error)
	CancelJob(ctx context.Context, jobID string) (*model.Job, error)
	FailJob(ctx context.Context, jobID string, problem *model.Problem) (*model.Job, error)
	RestartJob(ctx context.Context, jobID string) (*model.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// Handler maps operation names onto Lifecycle calls.
type Handler struct {
	svc Lifecycle
}

func NewHandler(svc Lifecycle) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Handle(ctx context.Context, operation string, in model.OperationInput) error {
	var err error
	switch operation {
	case invoker.OpStartJob:
		_, err = h.svc.StartExecution(ctx, in.JobID)
	case invoker.OpProcessNotification:
		if in.Notification == nil {
			return fmt.Errorf("%w: %s without notification", jobservice.ErrInvalid, operation)
		}
		_, err = h.svc.ProcessNotification(ctx, in.JobID, in.ExecutionNumber, *in.Notification)
	case invoker.OpCancelJob:
		_, err = h.svc.CancelJob(ctx, in.JobID)
	case invoker.OpFailJob:
		_, err = h.svc.FailJob(ctx, in.JobID, in.Problem)
	case invoker.OpRestartJob:
		_, err = h.svc.RestartJob(ctx, in.JobID)
	case invoker.OpDeleteJob:
		err = h.svc.DeleteJob(ctx, in.JobID)
	default:
		return fmt.Errorf("%w: unknown operation %q", jobservice.ErrInvalid, operation)
	}
	return err
}

// IsPermanent reports whether retrying an operation that failed with err
// cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, jobservice.ErrNotFound) ||
		errors.Is(err, jobservice.ErrConflict) ||
		errors.Is(err, jobservice.ErrInvalid)
}

// Dispatcher pull-consumes invocations and hands them to an invoker.Handler.
type Dispatcher struct {
	sub      queue.Subscription
	handler  invoker.Handler
	batch    int
	wait     time.Duration
	progress time.Duration
}

type Option func(*Dispatcher)

// WithProgressInterval makes the dispatcher mark a message in progress every d
// while its operation runs, so the queue does not redeliver it meanwhile.
// It should be well below the queue's ack wait.
func WithProgressInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.progress = d }
}

func New(sub queue.Subscription, h invoker.Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{sub: sub, handler: h, batch: DefaultBatch, wait: DefaultFetchWait}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes messages until ctx ends. Messages of one batch run
// concurrently; the next fetch waits for the whole batch.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, d.wait)
		msgs, err := d.sub.Fetch(fetchCtx, d.batch)
		cancel()
		if err != nil {
			if errors.Is(err, queue.ErrNoMessages) || ctx.Err() != nil {
				continue
			}
			logger.Log.Error().Err(err).Msg("failed to fetch messages")
			continue
		}

		wg := &sync.WaitGroup{}
		for _, msg := range msgs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.process(msg)
			}()
		}
		wg.Wait()
	}
}

func (d *Dispatcher) process(msg queue.QMsg) {
	m, err := invoker.DecodeMessage(msg.Data())
	if err != nil {
		logger.Log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed invocation")
		_ = msg.Term()
		return
	}

	ctx := logger.WithInvocation(msg.Ctx(), m.InvocationID)
	log := logger.FromContext(ctx).With().
		Str("operation", m.Operation).
		Str("job_id", m.Input.JobID).
		Int("delivery", msg.RetryCount()).
		Logger()

	stop := d.keepAlive(msg, log)
	err = d.handler.Handle(ctx, m.Operation, m.Input)
	stop()
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			log.Error().Err(err).Msg("failed to ack invocation")
		}
	case IsPermanent(err):
		log.Warn().Err(err).Msg("invocation rejected, dropping")
		_ = msg.Ack()
	default:
		log.Error().Err(err).Msg("invocation failed, will be redelivered")
		_ = msg.Nak()
	}
}

// keepAlive marks msg in progress until the returned func is called.
func (d *Dispatcher) keepAlive(msg queue.QMsg, log zerolog.Logger) func() {
	if d.progress <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(d.progress)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := msg.InProgress(); err != nil {
					log.Warn().Err(err).Msg("failed to extend invocation ack wait")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
