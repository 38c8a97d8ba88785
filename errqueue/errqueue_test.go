package errqueue_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/flow"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureForwarder struct {
	envs []errqueue.Envelope
	err  error
}

func (f *captureForwarder) Forward(_ context.Context, env errqueue.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *captureForwarder) Close() error { return nil }

func TestInfraAccepts(t *testing.T) {
	all := errqueue.New(errqueue.Config{}, &captureForwarder{}, slog.New(slog.DiscardHandler))
	assert.True(t, all.Accepts(flow.Record{Queue: "orders"}))

	some := errqueue.New(errqueue.Config{Queues: []string{"orders"}}, &captureForwarder{}, slog.New(slog.DiscardHandler))
	assert.True(t, some.Accepts(flow.Record{Queue: "orders"}))
	assert.False(t, some.Accepts(flow.Record{Queue: "payments"}))
}

func TestInfraForward(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fw := &captureForwarder{}
		infra := errqueue.New(errqueue.Config{}, fw, slog.New(slog.DiscardHandler))

		rec := flow.Record{
			Payload:      []byte("body"),
			Headers:      map[string]string{"k": "v"},
			Queue:        "orders",
			DeliveryID:   42,
			Generation:   3,
			Redeliveries: 2,
		}
		require.NoError(t, infra.Forward(t.Context(), rec))
		require.Len(t, fw.envs, 1)

		env := fw.envs[0]
		assert.NotEmpty(t, env.ID)
		assert.Equal(t, "orders", env.Queue)
		assert.Equal(t, uint64(42), env.DeliveryID)
		assert.Equal(t, uint32(2), env.Redeliveries)
		assert.Equal(t, []byte("body"), env.Payload)

		hs := env.MetaHeaders()
		assert.Equal(t, "v", hs["k"])
		assert.Equal(t, "orders", hs[errqueue.HeaderQueue])
		assert.Equal(t, "42", hs[errqueue.HeaderDeliveryID])
		assert.Equal(t, "2", hs[errqueue.HeaderRedeliveries])
	})

	t.Run("failure", func(t *testing.T) {
		down := errors.New("broker down")
		infra := errqueue.New(errqueue.Config{}, &captureForwarder{err: down}, slog.New(slog.DiscardHandler))

		err := infra.Forward(t.Context(), flow.Record{DeliveryID: 1})
		assert.ErrorIs(t, err, down)
	})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := errqueue.NewEnvelope(flow.Record{Payload: []byte{0, 1, 2}, Queue: "q", DeliveryID: 9})

	data, err := env.Marshal()
	require.NoError(t, err)

	var got errqueue.Envelope
	require.NoError(t, sonic.Unmarshal(data, &got))
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Payload, got.Payload)
	assert.Equal(t, env.DeliveryID, got.DeliveryID)
	assert.True(t, env.ForwardedAt.Equal(got.ForwardedAt))
}
