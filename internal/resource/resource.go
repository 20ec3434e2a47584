// Package resource talks to the worker services that carry out executions and
// to whoever subscribes to job status notifications.
package resource

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/metrics"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/util"
	"github.com/ssuji15/orca/model"
)

// ErrDependencyFailure wraps every failed call to a worker service.
var ErrDependencyFailure = errors.New("resource: dependency failure")

type ResourceManager interface {
	// CreateAssignment asks a worker service to start work and returns the
	// reference of the created Job Assignment.
	CreateAssignment(ctx context.Context, req model.AssignmentRequest) (string, error)
	CancelAssignment(ctx context.Context, ref string) error
	DeleteAssignment(ctx context.Context, ref string) error
	// SendNotification publishes a job snapshot. Failures are logged, never returned.
	SendNotification(ctx context.Context, job *model.Job)
}

// AssignmentClient is the transport to the worker service.
type AssignmentClient interface {
	CreateAssignment(ctx context.Context, req model.AssignmentRequest) (string, error)
	CancelAssignment(ctx context.Context, ref string) error
	DeleteAssignment(ctx context.Context, ref string) error
	Close() error
}

type Notifier interface {
	Notify(ctx context.Context, job *model.Job) error
}

// Manager is the ResourceManager built from an assignment transport and a notifier.
type Manager struct {
	assignments AssignmentClient
	notifier    Notifier
	metrics     *metrics.Collector
}

func NewManager(assignments AssignmentClient, notifier Notifier, m *metrics.Collector) *Manager {
	return &Manager{assignments: assignments, notifier: notifier, metrics: m}
}

func (m *Manager) CreateAssignment(ctx context.Context, req model.AssignmentRequest) (string, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Resource/CreateAssignment",
		trace.WithAttributes(attribute.String("execution", req.ExecutionID)))
	defer span.End()

	ref, err := m.assignments.CreateAssignment(ctx, req)
	if err != nil {
		return "", m.fail(span, "create_assignment", err)
	}
	if ref == "" {
		return "", m.fail(span, "create_assignment", errors.New("worker returned an empty assignment reference"))
	}
	return ref, nil
}

func (m *Manager) CancelAssignment(ctx context.Context, ref string) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Resource/CancelAssignment",
		trace.WithAttributes(attribute.String("assignment", ref)))
	defer span.End()

	if err := m.assignments.CancelAssignment(ctx, ref); err != nil {
		return m.fail(span, "cancel_assignment", err)
	}
	return nil
}

func (m *Manager) DeleteAssignment(ctx context.Context, ref string) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Resource/DeleteAssignment",
		trace.WithAttributes(attribute.String("assignment", ref)))
	defer span.End()

	if err := m.assignments.DeleteAssignment(ctx, ref); err != nil {
		return m.fail(span, "delete_assignment", err)
	}
	return nil
}

func (m *Manager) SendNotification(ctx context.Context, job *model.Job) {
	if m.notifier == nil {
		return
	}
	ctx, span := job_tracer.GetTracer().Start(ctx, "Resource/SendNotification",
		trace.WithAttributes(attribute.String("job_id", job.ID), attribute.String("status", string(job.Status))))
	defer span.End()

	if err := m.notifier.Notify(ctx, job); err != nil {
		util.RecordSpanError(span, err)
		m.metrics.RecordDependencyFailure("notify")
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to send job notification")
	}
}

func (m *Manager) Close() error {
	return m.assignments.Close()
}

func (m *Manager) fail(span trace.Span, call string, err error) error {
	err = fmt.Errorf("%w: %s: %v", ErrDependencyFailure, call, err)
	util.RecordSpanError(span, err)
	m.metrics.RecordDependencyFailure(call)
	return err
}
