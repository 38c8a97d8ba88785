package observability

import (
	"context"
	"time"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/flow"
	obs "github.com/ValerySidorin/settle/internal/observability"
)

func WrapMetricsForwarderIfEnabled(fw errqueue.Forwarder, flowName string) errqueue.Forwarder {
	if !obs.MetricsEnabled() {
		return fw
	}
	return &metricsForwarderDecorator{fw: fw, flowName: flowName}
}

type metricsForwarderDecorator struct {
	fw       errqueue.Forwarder
	flowName string
}

func (d *metricsForwarderDecorator) Forward(ctx context.Context, env errqueue.Envelope) error {
	start := time.Now()
	err := d.fw.Forward(ctx, env)
	obs.IncOp("FORWARD", d.flowName)
	if err != nil {
		obs.IncError("forward")
	}
	obs.ObserveOpLatency("FORWARD", d.flowName, time.Since(start))
	return err
}

func (d *metricsForwarderDecorator) Close() error {
	return d.fw.Close()
}

func WrapMetricsReceiverIfEnabled(r flow.Receiver, flowName string) flow.Receiver {
	if !obs.MetricsEnabled() {
		return r
	}
	return &metricsReceiverDecorator{r: r, flowName: flowName}
}

type metricsReceiverDecorator struct {
	r        flow.Receiver
	flowName string
}

func (d *metricsReceiverDecorator) CurrentGeneration() uint64 {
	return d.r.CurrentGeneration()
}

func (d *metricsReceiverDecorator) Accept(ctx context.Context, deliveryID, generation uint64) error {
	return d.observe(ctx, "ACCEPT", deliveryID, generation, d.r.Accept)
}

func (d *metricsReceiverDecorator) Reject(ctx context.Context, deliveryID, generation uint64) error {
	return d.observe(ctx, "REJECT", deliveryID, generation, d.r.Reject)
}

func (d *metricsReceiverDecorator) Requeue(ctx context.Context, deliveryID, generation uint64) error {
	return d.observe(ctx, "REQUEUE", deliveryID, generation, d.r.Requeue)
}

func (d *metricsReceiverDecorator) OnClose(hook func(generation uint64)) {
	if n, ok := d.r.(flow.CloseNotifier); ok {
		n.OnClose(hook)
	}
}

func (d *metricsReceiverDecorator) observe(
	ctx context.Context, op string, deliveryID, generation uint64,
	fn func(context.Context, uint64, uint64) error,
) error {
	start := time.Now()
	err := fn(ctx, deliveryID, generation)
	obs.IncOp(op, d.flowName)
	switch flow.Classify(err) {
	case flow.Stale:
		obs.IncError("stale")
	case flow.TransientFailure:
		obs.IncError("transient")
	case flow.PermanentFailure:
		obs.IncError("permanent")
	}
	obs.ObserveOpLatency(op, d.flowName, time.Since(start))
	return err
}
