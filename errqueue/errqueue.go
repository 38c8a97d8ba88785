package errqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ValerySidorin/settle/flow"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

const (
	HeaderEnvelopeID   = "x-settle-envelope-id"
	HeaderQueue        = "x-settle-original-queue"
	HeaderDeliveryID   = "x-settle-delivery-id"
	HeaderRedeliveries = "x-settle-redeliveries"
	HeaderForwardedAt  = "x-settle-forwarded-at"
)

// Infrastructure receives messages that were finally rejected.
type Infrastructure interface {
	Accepts(rec flow.Record) bool
	Forward(ctx context.Context, rec flow.Record) error
}

// Forwarder publishes envelopes to a protocol specific error queue.
type Forwarder interface {
	Forward(ctx context.Context, env Envelope) error
	Close() error
}

// Envelope is a dead-lettered copy of a record.
type Envelope struct {
	ID           string            `json:"id"`
	Queue        string            `json:"queue"`
	DeliveryID   uint64            `json:"delivery_id"`
	Redeliveries uint32            `json:"redeliveries"`
	Headers      map[string]string `json:"headers,omitempty"`
	Payload      []byte            `json:"payload"`
	ForwardedAt  time.Time         `json:"forwarded_at"`
}

func NewEnvelope(rec flow.Record) Envelope {
	return Envelope{
		ID:           uuid.NewString(),
		Queue:        rec.Queue,
		DeliveryID:   rec.DeliveryID,
		Redeliveries: rec.Redeliveries,
		Headers:      rec.Headers,
		Payload:      rec.Payload,
		ForwardedAt:  time.Now().UTC(),
	}
}

// Marshal encodes the whole envelope, payload included, as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return sonic.Marshal(e)
}

func (i *Infra) Accepts(rec flow.Record) bool {
	if i.queues == nil {
		return true
	}
	_, ok := i.queues[rec.Queue]
	return ok
}

func (i *Infra) Forward(ctx context.Context, rec flow.Record) error {
	env := NewEnvelope(rec)
	if err := i.fw.Forward(ctx, env); err != nil {
		return fmt.Errorf("forward delivery %d: %w", rec.DeliveryID, err)
	}
	i.l.Debug("forwarded to error queue",
		"envelope_id", env.ID, "queue", rec.Queue, "delivery_id", rec.DeliveryID)
	return nil
}

func (i *Infra) Close() error {
	return i.fw.Close()
}
