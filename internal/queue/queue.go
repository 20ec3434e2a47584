package queue

import (
	"context"
	"errors"
)

const (
	OpsStreamSubjects    = "ops.>"
	EventsStreamSubjects = "events.>"

	// WorkerConsumer is the durable consumer the dispatcher pulls operations with.
	WorkerConsumer = "orca-worker"

	MaxDeliver = 5
)

var ErrNoMessages = errors.New("queue: no messages available")

// Queue publishes messages and hands out pull subscriptions.
type Queue interface {
	PublishEvent(ctx context.Context, subject string, data []byte) error
	Subscribe(subject, consumer string) (Subscription, error)
	ShutDown(ctx context.Context)
}

type Subscription interface {
	// Fetch waits for up to batch messages until ctx ends. It returns
	// ErrNoMessages when nothing arrived.
	Fetch(ctx context.Context, batch int) ([]QMsg, error)
}

type QMsg interface {
	Subject() string
	Data() []byte
	// Ctx carries the trace context of the publisher.
	Ctx() context.Context
	RetryCount() int
	Ack() error
	Nak() error
	Term() error
	// InProgress restarts the ack wait of a message still being handled.
	InProgress() error
}

func OpSubject(operation string) string {
	return "ops." + operation
}

func JobEventSubject(jobID string) string {
	return "events.job." + jobID
}
