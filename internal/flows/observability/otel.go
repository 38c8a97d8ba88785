package observability

import (
	"context"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/flow"
	obs "github.com/ValerySidorin/settle/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func WrapOtelForwarderIfEnabled(fw errqueue.Forwarder, flowName string) errqueue.Forwarder {
	if !obs.TracingEnabled() {
		return fw
	}
	return &otelForwarderDecorator{fw: fw, flowName: flowName}
}

type otelForwarderDecorator struct {
	fw       errqueue.Forwarder
	flowName string
}

func (d *otelForwarderDecorator) Forward(ctx context.Context, env errqueue.Envelope) error {
	var span trace.Span
	ctx, span = obs.Tracer().Start(ctx, "errqueue.forward")
	span.SetAttributes(
		attribute.String("flow", d.flowName),
		attribute.String("envelope_id", env.ID),
		attribute.String("queue", env.Queue),
	)
	defer span.End()

	err := d.fw.Forward(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *otelForwarderDecorator) Close() error {
	return d.fw.Close()
}

func WrapOtelReceiverIfEnabled(r flow.Receiver, flowName string) flow.Receiver {
	if !obs.TracingEnabled() {
		return r
	}
	return &otelReceiverDecorator{r: r, flowName: flowName}
}

type otelReceiverDecorator struct {
	r        flow.Receiver
	flowName string
}

func (d *otelReceiverDecorator) CurrentGeneration() uint64 {
	return d.r.CurrentGeneration()
}

func (d *otelReceiverDecorator) Accept(ctx context.Context, deliveryID, generation uint64) error {
	return d.trace(ctx, "receiver.accept", deliveryID, generation, d.r.Accept)
}

func (d *otelReceiverDecorator) Reject(ctx context.Context, deliveryID, generation uint64) error {
	return d.trace(ctx, "receiver.reject", deliveryID, generation, d.r.Reject)
}

func (d *otelReceiverDecorator) Requeue(ctx context.Context, deliveryID, generation uint64) error {
	return d.trace(ctx, "receiver.requeue", deliveryID, generation, d.r.Requeue)
}

func (d *otelReceiverDecorator) OnClose(hook func(generation uint64)) {
	if n, ok := d.r.(flow.CloseNotifier); ok {
		n.OnClose(hook)
	}
}

func (d *otelReceiverDecorator) trace(
	ctx context.Context, name string, deliveryID, generation uint64,
	fn func(context.Context, uint64, uint64) error,
) error {
	var span trace.Span
	ctx, span = obs.Tracer().Start(ctx, name)
	span.SetAttributes(
		attribute.String("flow", d.flowName),
		attribute.Int64("delivery_id", int64(deliveryID)),
		attribute.Int64("generation", int64(generation)),
	)
	defer span.End()

	err := fn(ctx, deliveryID, generation)
	outcome := flow.Classify(err)
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	if outcome == flow.TransientFailure || outcome == flow.PermanentFailure {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
