package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/flow"
	"github.com/ValerySidorin/settle/flow/flowtest"
	flowobs "github.com/ValerySidorin/settle/internal/flows/observability"
	obs "github.com/ValerySidorin/settle/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingForwarder struct{}

func (failingForwarder) Forward(context.Context, errqueue.Envelope) error { return errors.New("down") }
func (failingForwarder) Close() error                                     { return nil }

func TestWrapMetricsReceiver(t *testing.T) {
	l := slog.New(slog.DiscardHandler)
	d := flowtest.NewDialer()
	c := flow.NewContainer(flow.ContainerConfig{}, d, l)
	require.NoError(t, c.Connect(t.Context()))
	t.Cleanup(c.Close)

	assert.Same(t, c, flowobs.WrapMetricsReceiverIfEnabled(c, "orders"))

	shutdown, err := obs.Init(context.Background(), obs.Config{Metrics: obs.MetricsConfig{Enabled: true}}, l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	r := flowobs.WrapMetricsReceiverIfEnabled(c, "orders")
	require.NotSame(t, c, r)

	require.NoError(t, r.Accept(t.Context(), 1, c.CurrentGeneration()))
	assert.ErrorIs(t, r.Reject(t.Context(), 2, 99), flow.ErrStale)
	assert.Equal(t, c.CurrentGeneration(), r.CurrentGeneration())
	assert.Len(t, d.Last().Calls(), 1)

	n, ok := r.(flow.CloseNotifier)
	require.True(t, ok)
	var closed uint64
	n.OnClose(func(gen uint64) { closed = gen })
	c.Close()
	assert.Equal(t, uint64(1), closed)

	fw := flowobs.WrapMetricsForwarderIfEnabled(failingForwarder{}, "orders")
	assert.Error(t, fw.Forward(t.Context(), errqueue.Envelope{}))
	assert.NoError(t, fw.Close())
}
