package jetstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/queue"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/util"
)

const defaultWait = 30 * time.Second

type JetStreamQueueClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
	opsStream  string
	ackWait    time.Duration
}

func NewJetStreamQueueClient(nc *nats.Conn, cfg *config.NatsConfig) (*JetStreamQueueClient, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	c := &JetStreamQueueClient{connection: nc, context: js, opsStream: cfg.OPS_STREAM, ackWait: cfg.ACK_WAIT}
	if c.ackWait <= 0 {
		c.ackWait = 2 * time.Minute
	}

	// operations are work items: each is removed once a consumer acks it
	if err := c.AddStream(cfg.OPS_STREAM, []string{queue.OpsStreamSubjects}, nats.WorkQueuePolicy, 0); err != nil {
		return nil, err
	}
	if err := c.AddStream(cfg.EVENTS_STREAM, []string{queue.EventsStreamSubjects}, nats.LimitsPolicy, 24*time.Hour); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *JetStreamQueueClient) AddStream(name string, subjects []string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	if name == "" {
		return fmt.Errorf("stream name cannot be empty")
	}
	_, err := c.context.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: retention,
		MaxAge:    maxAge,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("could not create stream %s: %w", name, err)
	}
	return nil
}

func (c *JetStreamQueueClient) PublishEvent(ctx context.Context, subject string, data []byte) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Nats/Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("subject", subject)))
	defer span.End()

	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	if _, err := c.context.PublishMsg(msg, nats.Context(ctx)); err != nil {
		err = fmt.Errorf("failed to publish to %s: %w", subject, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (c *JetStreamQueueClient) Subscribe(subject, consumer string) (queue.Subscription, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer name cannot be empty")
	}
	sub, err := c.context.PullSubscribe(subject, consumer,
		nats.BindStream(c.opsStream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(c.ackWait),
		nats.MaxDeliver(queue.MaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("could not subscribe to %s: %w", subject, err)
	}
	return &subscription{sub: sub}, nil
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Fetch(ctx context.Context, batch int) ([]queue.QMsg, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultWait)
		defer cancel()
	}
	msgs, err := s.sub.Fetch(batch, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, queue.ErrNoMessages
		}
		return nil, err
	}
	out := make([]queue.QMsg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &qmsg{msg: m})
	}
	return out, nil
}

type qmsg struct {
	msg *nats.Msg
}

func (m *qmsg) Subject() string { return m.msg.Subject }

func (m *qmsg) Data() []byte { return m.msg.Data }

func (m *qmsg) Ctx() context.Context {
	return otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(http.Header(m.msg.Header)))
}

func (m *qmsg) RetryCount() int {
	md, err := m.msg.Metadata()
	if err != nil {
		return 0
	}
	return int(md.NumDelivered)
}

func (m *qmsg) Ack() error { return m.msg.Ack() }

func (m *qmsg) Nak() error { return m.msg.Nak() }

func (m *qmsg) InProgress() error { return m.msg.InProgress() }

func (m *qmsg) Term() error { return m.msg.Term() }

func (c *JetStreamQueueClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	c.connection.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := c.connection.Drain(); err != nil {
		logger.Log.Err(err).Msg("unable to drain nats connection")
	}

	select {
	case <-done:
	case <-ctx.Done():
		c.connection.Close()
	}
}
