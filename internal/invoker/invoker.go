// Package invoker runs lifecycle operations as separate units of work, either
// by publishing them to the operations stream or in a local goroutine.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/queue"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/util"
	"github.com/ssuji15/orca/model"
)

const (
	OpStartJob            = "StartJob"
	OpProcessNotification = "ProcessNotification"
	OpCancelJob           = "CancelJob"
	OpFailJob             = "FailJob"
	OpRestartJob          = "RestartJob"
	OpDeleteJob           = "DeleteJob"
)

var operations = map[string]struct{}{
	OpStartJob:            {},
	OpProcessNotification: {},
	OpCancelJob:           {},
	OpFailJob:             {},
	OpRestartJob:          {},
	OpDeleteJob:           {},
}

func IsValidOperation(op string) bool {
	_, ok := operations[op]
	return ok
}

type Invoker interface {
	Invoke(ctx context.Context, operation string, in model.OperationInput, tracker *model.Tracker) error
}

// Handler executes one operation. It is implemented by the dispatcher.
type Handler interface {
	Handle(ctx context.Context, operation string, in model.OperationInput) error
}

// Message is the wire form of an invocation.
type Message struct {
	Operation    string               `json:"operation"`
	InvocationID string               `json:"invocationId"`
	Input        model.OperationInput `json:"input"`
	Tracker      *model.Tracker       `json:"tracker,omitempty"`
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("invalid invocation message: %w", err)
	}
	if !IsValidOperation(m.Operation) {
		return m, fmt.Errorf("unknown operation %q", m.Operation)
	}
	return m, nil
}

func newMessage(operation string, in model.OperationInput, tracker *model.Tracker) (Message, error) {
	if !IsValidOperation(operation) {
		return Message{}, fmt.Errorf("unknown operation %q", operation)
	}
	if in.JobID == "" {
		return Message{}, fmt.Errorf("operation %s: job id cannot be empty", operation)
	}
	return Message{
		Operation:    operation,
		InvocationID: uuid.NewString(),
		Input:        in,
		Tracker:      tracker,
	}, nil
}

// QueueInvoker publishes invocations on ops.<operation>.
type QueueInvoker struct {
	queue queue.Queue
}

func NewQueueInvoker(q queue.Queue) *QueueInvoker {
	return &QueueInvoker{queue: q}
}

func (i *QueueInvoker) Invoke(ctx context.Context, operation string, in model.OperationInput, tracker *model.Tracker) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Invoker/"+operation,
		trace.WithAttributes(attribute.String("job_id", in.JobID)))
	defer span.End()

	msg, err := newMessage(operation, in, tracker)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if err := i.queue.PublishEvent(ctx, queue.OpSubject(operation), data); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to invoke %s for job %s: %w", operation, in.JobID, err)
	}
	return nil
}

// LocalInvoker runs each invocation on its own goroutine with a fresh
// invocation id. The caller's cancellation does not reach the invocation.
type LocalInvoker struct {
	handler Handler
	wg      sync.WaitGroup
}

func NewLocalInvoker(h Handler) *LocalInvoker {
	return &LocalInvoker{handler: h}
}

func (i *LocalInvoker) Invoke(ctx context.Context, operation string, in model.OperationInput, tracker *model.Tracker) error {
	msg, err := newMessage(operation, in, tracker)
	if err != nil {
		return err
	}

	ctx = logger.WithInvocation(context.WithoutCancel(ctx), msg.InvocationID)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if err := i.handler.Handle(ctx, msg.Operation, msg.Input); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).
				Str("operation", msg.Operation).
				Str("job_id", msg.Input.JobID).
				Msg("local invocation failed")
		}
	}()
	return nil
}

// Wait blocks until every invocation started so far has returned.
func (i *LocalInvoker) Wait() {
	i.wg.Wait()
}
