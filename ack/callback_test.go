package ack_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValerySidorin/settle/ack"
	"github.com/ValerySidorin/settle/flow"
	"github.com/ValerySidorin/settle/flow/flowtest"
	"github.com/ValerySidorin/settle/retry"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.DiscardHandler)

type env struct {
	dialer *flowtest.Dialer
	flow   *flow.Container
	tasks  *retry.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()

	d := flowtest.NewDialer()
	c := flow.NewContainer(flow.ContainerConfig{
		ReconnectInitialInterval: time.Millisecond,
		ReconnectMaxInterval:     5 * time.Millisecond,
		ReconnectMaxElapsedTime:  time.Second,
	}, d, discard)
	require.NoError(t, c.Connect(t.Context()))
	t.Cleanup(c.Close)

	tasks, err := retry.NewService(retry.Config{}, discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tasks.Close(context.Background()) })

	return &env{dialer: d, flow: c, tasks: tasks}
}

func fast() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func never() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Hour)
}

func (e *env) factory(opts ...ack.Option) *ack.Factory {
	return ack.NewFactory(e.flow, e.tasks, discard, append([]ack.Option{ack.WithBackoff(fast)}, opts...)...)
}

func (e *env) record(id uint64) flow.Record {
	return flow.Record{
		Payload:    []byte("payload"),
		Queue:      "orders",
		DeliveryID: id,
		Generation: e.flow.CurrentGeneration(),
	}
}

func (e *env) session() *flowtest.Session {
	return e.dialer.Last()
}

func waitDone(t *testing.T, cb *ack.SingleCallback) {
	t.Helper()
	select {
	case <-cb.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("callback never resolved")
	}
}

type errorQueue struct {
	mu        sync.Mutex
	forwarded []flow.Record
	fail      error
	queues    map[string]bool
}

func (q *errorQueue) Accepts(rec flow.Record) bool {
	return q.queues == nil || q.queues[rec.Queue]
}

func (q *errorQueue) Forward(_ context.Context, rec flow.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.forwarded = append(q.forwarded, rec)
	return nil
}

func (q *errorQueue) Forwarded() []flow.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]flow.Record(nil), q.forwarded...)
}

func TestSingleCallbackAcknowledge(t *testing.T) {
	tests := []struct {
		status ack.Status
		want   flowtest.Op
	}{
		{ack.Accept, flowtest.OpAccept},
		{ack.Reject, flowtest.OpReject},
		{ack.Requeue, flowtest.OpRequeue},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			e := newEnv(t)
			cb := e.factory().CreateCallback(e.record(5))

			assert.False(t, cb.IsAcknowledged())
			require.NoError(t, cb.Acknowledge(t.Context(), tt.status))
			assert.True(t, cb.IsAcknowledged())
			assert.Equal(t, tt.status, cb.Status())

			waitDone(t, cb)
			assert.Equal(t, []flowtest.Call{{Op: tt.want, DeliveryID: 5}}, e.session().Calls())

			outcome, ok := cb.Outcome()
			assert.True(t, ok)
			assert.Equal(t, flow.Success, outcome)
		})
	}
}

func TestSingleCallbackStale(t *testing.T) {
	e := newEnv(t)
	f := e.factory(ack.WithErrorQueue(&errorQueue{}))

	accepted := f.CreateCallback(e.record(1))
	rejected := f.CreateCallback(e.record(2))
	require.NoError(t, e.flow.Reconnect(t.Context()))

	require.NoError(t, accepted.Acknowledge(t.Context(), ack.Accept))
	require.NoError(t, rejected.Acknowledge(t.Context(), ack.Reject))

	for _, cb := range []*ack.SingleCallback{accepted, rejected} {
		waitDone(t, cb)
		outcome, _ := cb.Outcome()
		assert.Equal(t, flow.Stale, outcome)
		assert.NoError(t, cb.Err())
	}
	for _, s := range e.dialer.Sessions() {
		assert.Empty(t, s.Calls())
	}
}

func TestSingleCallbackErrorQueue(t *testing.T) {
	t.Run("forwarded and accepted", func(t *testing.T) {
		e := newEnv(t)
		eq := &errorQueue{}
		f := e.factory()
		f.SetErrorQueueInfrastructure(eq)

		cb := f.CreateCallback(e.record(9))
		require.NoError(t, cb.Acknowledge(t.Context(), ack.Reject))
		waitDone(t, cb)

		require.Len(t, eq.Forwarded(), 1)
		assert.Equal(t, uint64(9), eq.Forwarded()[0].DeliveryID)
		assert.Equal(t, []flowtest.Call{{Op: flowtest.OpAccept, DeliveryID: 9}}, e.session().Calls())
		assert.Empty(t, e.session().CallsOf(flowtest.OpReject))
	})

	t.Run("forward failure requeues", func(t *testing.T) {
		e := newEnv(t)
		eq := &errorQueue{fail: errors.New("broker unavailable")}
		cb := e.factory(ack.WithErrorQueue(eq)).CreateCallback(e.record(9))

		require.NoError(t, cb.Acknowledge(t.Context(), ack.Reject))
		waitDone(t, cb)

		assert.NoError(t, cb.Err())
		assert.Equal(t, []flowtest.Call{{Op: flowtest.OpRequeue, DeliveryID: 9}}, e.session().Calls())
	})

	t.Run("queue not routed", func(t *testing.T) {
		e := newEnv(t)
		eq := &errorQueue{queues: map[string]bool{"payments": true}}
		cb := e.factory(ack.WithErrorQueue(eq)).CreateCallback(e.record(9))

		require.NoError(t, cb.Acknowledge(t.Context(), ack.Reject))
		waitDone(t, cb)

		assert.Empty(t, eq.Forwarded())
		assert.Equal(t, []flowtest.Call{{Op: flowtest.OpReject, DeliveryID: 9}}, e.session().Calls())
	})

	t.Run("set after creation is not applied", func(t *testing.T) {
		e := newEnv(t)
		f := e.factory()
		cb := f.CreateCallback(e.record(3))

		eq := &errorQueue{}
		f.SetErrorQueueInfrastructure(eq)
		require.NoError(t, cb.Acknowledge(t.Context(), ack.Reject))
		waitDone(t, cb)

		assert.Empty(t, eq.Forwarded())
		assert.Len(t, e.session().CallsOf(flowtest.OpReject), 1)
	})
}

func TestSingleCallbackRetry(t *testing.T) {
	t.Run("transient then success", func(t *testing.T) {
		e := newEnv(t)
		e.session().Script(flowtest.OpAccept, flow.Transient(errors.New("channel busy")))

		var failures atomic.Int32
		cb := e.factory(ack.WithFailureHandler(func(flow.Record, error) { failures.Add(1) })).
			CreateCallback(e.record(4))

		require.NoError(t, cb.Acknowledge(t.Context(), ack.Accept))
		waitDone(t, cb)

		assert.NoError(t, cb.Err())
		assert.Len(t, e.session().CallsOf(flowtest.OpAccept), 2)
		assert.Equal(t, int32(0), failures.Load())
		assert.Equal(t, 0, e.tasks.Pending())
	})

	t.Run("exhausted attempts fail once", func(t *testing.T) {
		e := newEnv(t)
		down := flow.Transient(errors.New("channel busy"))
		e.session().Script(flowtest.OpAccept, down, down, down, down)

		var failures atomic.Int32
		var reported error
		var mu sync.Mutex
		cb := e.factory(
			ack.WithMaxAttempts(2),
			ack.WithFailureHandler(func(_ flow.Record, err error) {
				mu.Lock()
				reported = err
				mu.Unlock()
				failures.Add(1)
			}),
		).CreateCallback(e.record(4))

		require.NoError(t, cb.Acknowledge(t.Context(), ack.Accept))
		waitDone(t, cb)

		assert.ErrorIs(t, cb.Err(), ack.ErrAcknowledgementFailed)
		assert.ErrorIs(t, cb.Err(), retry.ErrAttemptsExhausted)
		require.Eventually(t, func() bool { return failures.Load() == 1 }, time.Second, time.Millisecond)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(1), failures.Load())
		assert.Len(t, e.session().CallsOf(flowtest.OpAccept), 3)

		mu.Lock()
		defer mu.Unlock()
		assert.ErrorIs(t, reported, ack.ErrAcknowledgementFailed)
	})

	t.Run("permanent error is returned", func(t *testing.T) {
		e := newEnv(t)
		e.session().Script(flowtest.OpAccept, flow.Permanent(flow.ErrUnknownDelivery))

		var failures atomic.Int32
		cb := e.factory(ack.WithFailureHandler(func(flow.Record, error) { failures.Add(1) })).
			CreateCallback(e.record(4))

		err := cb.Acknowledge(t.Context(), ack.Accept)
		assert.ErrorIs(t, err, ack.ErrAcknowledgementFailed)
		assert.ErrorIs(t, err, flow.ErrUnknownDelivery)
		assert.ErrorIs(t, cb.Err(), ack.ErrAcknowledgementFailed)
		assert.Equal(t, int32(0), failures.Load())
	})

	t.Run("later status supersedes pending retry", func(t *testing.T) {
		e := newEnv(t)
		e.session().Script(flowtest.OpAccept, flow.Transient(errors.New("channel busy")))
		cb := e.factory(ack.WithBackoff(never)).CreateCallback(e.record(4))

		require.NoError(t, cb.Acknowledge(t.Context(), ack.Accept))
		assert.Equal(t, 1, e.tasks.Pending())

		require.NoError(t, cb.Acknowledge(t.Context(), ack.Reject))
		waitDone(t, cb)

		assert.Equal(t, ack.Reject, cb.Status())
		assert.Equal(t, []flowtest.Call{
			{Op: flowtest.OpAccept, DeliveryID: 4},
			{Op: flowtest.OpReject, DeliveryID: 4},
		}, e.session().Calls())
		assert.Equal(t, 0, e.tasks.Pending())
	})

	t.Run("reconnect makes pending retry stale", func(t *testing.T) {
		e := newEnv(t)
		first := e.session()
		first.Script(flowtest.OpAccept, flow.Transient(errors.New("channel busy")))
		cb := e.factory(ack.WithBackoff(func() backoff.BackOff {
			return backoff.NewConstantBackOff(50 * time.Millisecond)
		})).CreateCallback(e.record(4))

		require.NoError(t, cb.Acknowledge(t.Context(), ack.Accept))
		require.NoError(t, e.flow.Reconnect(t.Context()))
		waitDone(t, cb)

		outcome, ok := cb.Outcome()
		assert.True(t, ok)
		assert.Equal(t, flow.Stale, outcome)
		assert.NoError(t, cb.Err())
		assert.Equal(t, []flowtest.Call{{Op: flowtest.OpAccept, DeliveryID: 4}}, first.Calls())
		require.NotSame(t, first, e.session())
		assert.Empty(t, e.session().Calls())
	})

	t.Run("shutdown cancels pending retry", func(t *testing.T) {
		e := newEnv(t)
		e.session().Script(flowtest.OpRequeue, flow.Transient(errors.New("channel busy")))

		var failures atomic.Int32
		cb := e.factory(
			ack.WithBackoff(never),
			ack.WithFailureHandler(func(flow.Record, error) { failures.Add(1) }),
		).CreateCallback(e.record(4))

		require.NoError(t, cb.Acknowledge(t.Context(), ack.Requeue))
		e.flow.Close()
		waitDone(t, cb)

		outcome, _ := cb.Outcome()
		assert.Equal(t, flow.Stale, outcome)
		assert.NoError(t, cb.Err())
		assert.Equal(t, int32(0), failures.Load())
		assert.Len(t, e.session().Calls(), 1)
	})
}

func TestSingleCallbackResolved(t *testing.T) {
	e := newEnv(t)
	cb := e.factory().CreateCallback(e.record(8))

	require.NoError(t, cb.Acknowledge(t.Context(), ack.Accept))
	waitDone(t, cb)
	require.NoError(t, cb.Acknowledge(t.Context(), ack.Reject))

	assert.Equal(t, ack.Reject, cb.Status())
	assert.Equal(t, []flowtest.Call{{Op: flowtest.OpAccept, DeliveryID: 8}}, e.session().Calls())
}

func TestSingleCallbackTemporaryQueue(t *testing.T) {
	t.Run("requeue", func(t *testing.T) {
		e := newEnv(t)
		cb := e.factory(ack.WithTemporaryQueue(true)).CreateCallback(e.record(2))

		err := cb.Acknowledge(t.Context(), ack.Requeue)
		assert.ErrorIs(t, err, ack.ErrAcknowledgementFailed)
		assert.ErrorIs(t, err, ack.ErrRequeueUnsupported)
		assert.Empty(t, e.session().Calls())
	})

	t.Run("accept and reject", func(t *testing.T) {
		e := newEnv(t)
		f := e.factory(ack.WithTemporaryQueue(true))

		require.NoError(t, f.CreateCallback(e.record(1)).Acknowledge(t.Context(), ack.Accept))
		require.NoError(t, f.CreateCallback(e.record(2)).Acknowledge(t.Context(), ack.Reject))
		assert.Len(t, e.session().Calls(), 2)
	})
}

func TestAutoAck(t *testing.T) {
	e := newEnv(t)
	f := e.factory()

	for _, cb := range []ack.Callback{
		f.CreateCallback(e.record(1)),
		f.CreateBatchMessageCallbacks([]flow.Record{e.record(2)})[0],
		f.CreateBatchCallback([]flow.Record{e.record(3)}),
	} {
		assert.True(t, cb.IsAutoAck())
		cb.NoAutoAck()
		assert.False(t, cb.IsAutoAck())
	}
}
