//go:build integration
// +build integration

package jetstream

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/orca/internal/component/jetstream"
	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/queue"
	"github.com/ssuji15/orca/internal/testinfra"
)

var natsSvc *testinfra.Service

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		fmt.Println("skipping integration tests")
		os.Exit(0)
	}
	ctx := context.Background()
	var err error
	natsSvc, err = testinfra.NATS(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	code := m.Run()
	natsSvc.Terminate(ctx)
	os.Exit(code)
}

func newClient(t *testing.T) *JetStreamQueueClient {
	t.Helper()
	cfg := &config.NatsConfig{URL: natsSvc.Endpoint, OPS_STREAM: "OPS", EVENTS_STREAM: "EVENTS"}
	nc, err := jetstream.NewJetStreamClient(cfg, "orca-test")
	require.NoError(t, err)
	c, err := NewJetStreamQueueClient(nc, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.ShutDown(context.Background()) })
	return c
}

func TestNewJetStreamQueueClient_CreatesStreams(t *testing.T) {
	c := newClient(t)

	info, err := c.context.StreamInfo("OPS")
	require.NoError(t, err)
	require.Equal(t, []string{queue.OpsStreamSubjects}, info.Config.Subjects)

	_, err = c.context.StreamInfo("EVENTS")
	require.NoError(t, err)

	// a second client reuses the existing streams
	newClient(t)
}

func TestPublishFetchAck(t *testing.T) {
	c := newClient(t)
	sub, err := c.Subscribe(queue.OpSubject("StartJob"), "TEST_CONSUMER")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		payload := []byte(fmt.Sprintf(`{"jobId":"job-%d"}`, i))
		require.NoError(t, c.PublishEvent(context.Background(), queue.OpSubject("StartJob"), payload))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		msgs, err := sub.Fetch(ctx, 1)
		cancel()
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, payload, msgs[0].Data())
		require.Equal(t, "ops.StartJob", msgs[0].Subject())
		require.Equal(t, 1, msgs[0].RetryCount())
		require.NotNil(t, msgs[0].Ctx())
		require.NoError(t, msgs[0].Ack())
	}
}

func TestFetchEmpty(t *testing.T) {
	c := newClient(t)
	sub, err := c.Subscribe(queue.OpSubject("FailJob"), "EMPTY_CONSUMER")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = sub.Fetch(ctx, 1)
	require.ErrorIs(t, err, queue.ErrNoMessages)
}

func TestNakRedelivers(t *testing.T) {
	c := newClient(t)
	sub, err := c.Subscribe(queue.OpSubject("CancelJob"), "NAK_CONSUMER")
	require.NoError(t, err)
	require.NoError(t, c.PublishEvent(context.Background(), queue.OpSubject("CancelJob"), []byte("x")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := sub.Fetch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, msgs[0].Nak())

	msgs, err = sub.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, msgs[0].RetryCount())
	require.NoError(t, msgs[0].Ack())
}

func TestSubscribeRequiresConsumer(t *testing.T) {
	c := newClient(t)
	_, err := c.Subscribe(queue.OpSubject("StartJob"), "")
	require.Error(t, err)
}

func TestInProgressHoldsRedelivery(t *testing.T) {
	cfg := &config.NatsConfig{URL: natsSvc.Endpoint, OPS_STREAM: "OPS", EVENTS_STREAM: "EVENTS", ACK_WAIT: time.Second}
	nc, err := jetstream.NewJetStreamClient(cfg, "orca-test")
	require.NoError(t, err)
	c, err := NewJetStreamQueueClient(nc, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.ShutDown(context.Background()) })

	sub, err := c.Subscribe(queue.OpSubject("RestartJob"), "PROGRESS_CONSUMER")
	require.NoError(t, err)
	require.NoError(t, c.PublishEvent(context.Background(), queue.OpSubject("RestartJob"), []byte("x")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	msgs, err := sub.Fetch(ctx, 1)
	cancel()
	require.NoError(t, err)

	// handling outlasts the ack wait several times over
	for i := 0; i < 6; i++ {
		time.Sleep(400 * time.Millisecond)
		require.NoError(t, msgs[0].InProgress())
	}

	ctx, cancel = context.WithTimeout(context.Background(), 300*time.Millisecond)
	_, err = sub.Fetch(ctx, 1)
	cancel()
	require.ErrorIs(t, err, queue.ErrNoMessages)
	require.NoError(t, msgs[0].Ack())
}
