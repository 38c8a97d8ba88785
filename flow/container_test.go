package flow_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ValerySidorin/settle/flow"
	"github.com/ValerySidorin/settle/flow/flowtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testContainerConfig = flow.ContainerConfig{
	ReconnectInitialInterval: time.Millisecond,
	ReconnectMaxInterval:     5 * time.Millisecond,
	ReconnectMaxElapsedTime:  time.Second,
}

func newContainer(t *testing.T, d *flowtest.Dialer) *flow.Container {
	t.Helper()
	c := flow.NewContainer(testContainerConfig, d, slog.New(slog.DiscardHandler))
	require.NoError(t, c.Connect(t.Context()))
	t.Cleanup(c.Close)
	return c
}

func TestContainerGeneration(t *testing.T) {
	d := flowtest.NewDialer()
	c := newContainer(t, d)
	assert.Equal(t, uint64(1), c.CurrentGeneration())

	first := d.Last()
	require.NoError(t, c.Reconnect(t.Context()))
	assert.Equal(t, uint64(2), c.CurrentGeneration())
	assert.True(t, first.Closed())
	assert.Len(t, d.Sessions(), 2)
}

func TestContainerSettle(t *testing.T) {
	t.Run("current generation", func(t *testing.T) {
		d := flowtest.NewDialer()
		c := newContainer(t, d)

		require.NoError(t, c.Accept(t.Context(), 1, 1))
		require.NoError(t, c.Reject(t.Context(), 2, 1))
		require.NoError(t, c.Requeue(t.Context(), 3, 1))

		assert.Equal(t, []flowtest.Call{
			{Op: flowtest.OpAccept, DeliveryID: 1},
			{Op: flowtest.OpReject, DeliveryID: 2},
			{Op: flowtest.OpRequeue, DeliveryID: 3},
		}, d.Last().Calls())
	})

	t.Run("stale generation", func(t *testing.T) {
		d := flowtest.NewDialer()
		c := newContainer(t, d)
		require.NoError(t, c.Reconnect(t.Context()))

		for _, op := range []func(context.Context, uint64, uint64) error{c.Accept, c.Reject, c.Requeue} {
			err := op(t.Context(), 7, 1)
			assert.ErrorIs(t, err, flow.ErrStale)
			assert.Equal(t, flow.Stale, flow.Classify(err))
		}

		for _, s := range d.Sessions() {
			assert.Empty(t, s.Calls())
		}
	})

	t.Run("session errors keep their class", func(t *testing.T) {
		d := flowtest.NewDialer()
		c := newContainer(t, d)
		d.Last().Script(flowtest.OpAccept,
			flow.Transient(errors.New("reconnecting")),
			flow.Permanent(flow.ErrUnknownDelivery),
		)

		err := c.Accept(t.Context(), 1, 1)
		assert.Equal(t, flow.TransientFailure, flow.Classify(err))

		err = c.Accept(t.Context(), 1, 1)
		assert.Equal(t, flow.PermanentFailure, flow.Classify(err))
		assert.ErrorIs(t, err, flow.ErrUnknownDelivery)
	})
}

func TestContainerReceive(t *testing.T) {
	d := flowtest.NewDialer()
	c := newContainer(t, d)

	d.Last().Push(flow.Delivery{Payload: []byte("a"), DeliveryID: 10, Queue: "q"})
	rec, err := c.Receive(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rec.DeliveryID)
	assert.Equal(t, uint64(1), rec.Generation)
	assert.Equal(t, "q", rec.Queue)

	d.Last().Break()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	received := make(chan flow.Record, 1)
	go func() {
		rec, err := c.Receive(ctx)
		if err == nil {
			received <- rec
		}
	}()

	require.Eventually(t, func() bool { return c.CurrentGeneration() == 2 }, time.Second, time.Millisecond)
	d.Last().Push(flow.Delivery{Payload: []byte("b"), DeliveryID: 10})

	select {
	case rec := <-received:
		assert.Equal(t, uint64(2), rec.Generation)
		assert.Equal(t, []byte("b"), rec.Payload)
	case <-ctx.Done():
		t.Fatal("no delivery after reconnect")
	}
}

func TestContainerClose(t *testing.T) {
	d := flowtest.NewDialer()
	c := flow.NewContainer(testContainerConfig, d, slog.New(slog.DiscardHandler))
	require.NoError(t, c.Connect(t.Context()))

	var closedGen []uint64
	c.OnClose(func(gen uint64) { closedGen = append(closedGen, gen) })

	c.Close()
	c.Close()

	assert.Equal(t, []uint64{1}, closedGen)
	assert.True(t, d.Last().Closed())

	err := c.Accept(t.Context(), 1, 1)
	assert.ErrorIs(t, err, flow.ErrClosed)
	assert.Equal(t, flow.PermanentFailure, flow.Classify(err))

	_, err = c.Receive(t.Context())
	assert.ErrorIs(t, err, flow.ErrClosed)

	assert.ErrorIs(t, c.Connect(t.Context()), flow.ErrClosed)
}

func TestContainerDial(t *testing.T) {
	t.Run("retries transient dial errors", func(t *testing.T) {
		d := flowtest.NewDialer()
		d.FailNext(errors.New("connection refused"), errors.New("connection refused"))

		c := newContainer(t, d)
		assert.Equal(t, uint64(1), c.CurrentGeneration())
	})

	t.Run("permanent dial error closes the flow", func(t *testing.T) {
		d := flowtest.NewDialer()
		d.FailNext(flow.Permanent(errors.New("access refused")))

		c := flow.NewContainer(testContainerConfig, d, slog.New(slog.DiscardHandler))
		closed := false
		c.OnClose(func(uint64) { closed = true })

		err := c.Connect(t.Context())
		assert.ErrorIs(t, err, flow.ErrPermanent)
		assert.True(t, closed)
		assert.ErrorIs(t, c.Accept(t.Context(), 1, 0), flow.ErrClosed)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want flow.Outcome
	}{
		{"nil", nil, flow.Success},
		{"stale", flow.ErrStale, flow.Stale},
		{"transient", flow.Transient(errors.New("x")), flow.TransientFailure},
		{"permanent", flow.Permanent(errors.New("x")), flow.PermanentFailure},
		{"unmarked", errors.New("x"), flow.PermanentFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, flow.Classify(tt.err))
		})
	}
}
