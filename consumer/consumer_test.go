package consumer_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ValerySidorin/settle/ack"
	"github.com/ValerySidorin/settle/consumer"
	"github.com/ValerySidorin/settle/flow"
	"github.com/ValerySidorin/settle/flow/flowtest"
	"github.com/ValerySidorin/settle/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.DiscardHandler)

func setup(t *testing.T, conf consumer.Config) (*consumer.Consumer, *flowtest.Session) {
	t.Helper()

	sess := flowtest.NewSession()
	c := flow.NewContainer(flow.ContainerConfig{}, flowtest.NewDialer(sess), discard)
	require.NoError(t, c.Connect(t.Context()))
	t.Cleanup(c.Close)

	tasks, err := retry.NewService(retry.Config{}, discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tasks.Close(context.Background()) })

	cons, err := consumer.New(conf, c, ack.NewFactory(c, tasks, discard), discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cons.Close() })

	return cons, sess
}

func push(sess *flowtest.Session, ids ...uint64) {
	for _, id := range ids {
		sess.Push(flow.Delivery{Payload: []byte("m"), Queue: "orders", DeliveryID: id})
	}
}

func run(t *testing.T, fn func(ctx context.Context) error) (cancel func()) {
	t.Helper()

	ctx, cancelCtx := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()

	return func() {
		cancelCtx()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestRun(t *testing.T) {
	cons, sess := setup(t, consumer.Config{Concurrency: 2})
	push(sess, 1, 2, 3)

	stop := run(t, func(ctx context.Context) error {
		return cons.Run(ctx, func(ctx context.Context, rec flow.Record, cb ack.Callback) error {
			switch rec.DeliveryID {
			case 2:
				return errors.New("boom")
			case 3:
				return cb.Acknowledge(ctx, ack.Requeue)
			}
			return nil
		})
	})

	require.Eventually(t, func() bool { return len(sess.Calls()) == 3 }, 5*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []flowtest.Call{{Op: flowtest.OpAccept, DeliveryID: 1}}, sess.CallsOf(flowtest.OpAccept))
	assert.Equal(t, []flowtest.Call{{Op: flowtest.OpReject, DeliveryID: 2}}, sess.CallsOf(flowtest.OpReject))
	assert.Equal(t, []flowtest.Call{{Op: flowtest.OpRequeue, DeliveryID: 3}}, sess.CallsOf(flowtest.OpRequeue))
}

func TestRunOnError(t *testing.T) {
	cons, sess := setup(t, consumer.Config{OnError: "requeue"})
	push(sess, 1)

	stop := run(t, func(ctx context.Context) error {
		return cons.Run(ctx, func(context.Context, flow.Record, ack.Callback) error {
			panic("handler bug")
		})
	})

	require.Eventually(t, func() bool { return len(sess.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, flowtest.OpRequeue, sess.Calls()[0].Op)
}

func TestRunNoAutoAck(t *testing.T) {
	cons, sess := setup(t, consumer.Config{})
	push(sess, 1)

	held := make(chan ack.Callback, 1)
	stop := run(t, func(ctx context.Context) error {
		return cons.Run(ctx, func(_ context.Context, _ flow.Record, cb ack.Callback) error {
			cb.NoAutoAck()
			held <- cb
			return nil
		})
	})

	var cb ack.Callback
	select {
	case cb = <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	stop()

	assert.Empty(t, sess.Calls())
	require.NoError(t, cb.Acknowledge(context.Background(), ack.Reject))
	assert.Equal(t, []flowtest.Call{{Op: flowtest.OpReject, DeliveryID: 1}}, sess.Calls())
}

func TestRunBatch(t *testing.T) {
	cons, sess := setup(t, consumer.Config{BatchSize: 3, BatchTimeout: time.Hour})
	push(sess, 1, 2, 3)

	var (
		mu    sync.Mutex
		sizes []int
	)
	stop := run(t, func(ctx context.Context) error {
		return cons.RunBatch(ctx, func(_ context.Context, b *consumer.Batch) error {
			mu.Lock()
			sizes = append(sizes, len(b.Records))
			mu.Unlock()
			return b.Members[1].Acknowledge(context.Background(), ack.Reject)
		})
	})

	require.Eventually(t, func() bool { return len(sess.Calls()) == 3 }, 5*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int{3}, sizes)
	assert.Len(t, sess.CallsOf(flowtest.OpAccept), 2)
	assert.Equal(t, []flowtest.Call{{Op: flowtest.OpReject, DeliveryID: 2}}, sess.CallsOf(flowtest.OpReject))
}

func TestRunBatchTimeout(t *testing.T) {
	cons, sess := setup(t, consumer.Config{BatchSize: 10, BatchTimeout: 20 * time.Millisecond})
	push(sess, 1, 2)

	sizes := make(chan int, 4)
	stop := run(t, func(ctx context.Context) error {
		return cons.RunBatch(ctx, func(_ context.Context, b *consumer.Batch) error {
			sizes <- len(b.Records)
			return errors.New("boom")
		})
	})

	select {
	case n := <-sizes:
		assert.Equal(t, 2, n)
	case <-time.After(5 * time.Second):
		t.Fatal("partial batch not flushed")
	}

	require.Eventually(t, func() bool { return len(sess.Calls()) == 2 }, 5*time.Second, 5*time.Millisecond)
	stop()
	assert.Len(t, sess.CallsOf(flowtest.OpReject), 2)
}

func TestConfigValidate(t *testing.T) {
	c := consumer.Config{OnError: "drop"}
	assert.Error(t, c.Validate())

	c = consumer.Config{}
	c.SetDefaults()
	assert.NoError(t, c.Validate())
	assert.Equal(t, "reject", c.OnError)
}
