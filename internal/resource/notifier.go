package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssuji15/orca/internal/queue"
	"github.com/ssuji15/orca/model"
)

// QueueNotifier publishes job snapshots on events.job.<jobId>.
type QueueNotifier struct {
	queue queue.Queue
}

func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return &QueueNotifier{queue: q}
}

func (n *QueueNotifier) Notify(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return n.queue.PublishEvent(ctx, queue.JobEventSubject(job.ID), data)
}

// WebhookNotifier POSTs job snapshots to the job's notification endpoint.
// Jobs without an endpoint are skipped.
type WebhookNotifier struct {
	client *http.Client
}

func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, job *model.Job) error {
	if job.NotificationEndpoint == nil || job.NotificationEndpoint.HTTPEndpoint == "" {
		return nil
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.NotificationEndpoint.HTTPEndpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint %s returned %d", job.NotificationEndpoint.HTTPEndpoint, resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans a snapshot out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, job *model.Job) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
