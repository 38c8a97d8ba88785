package amqp091

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ValerySidorin/settle/flow"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrDeliveriesClosed = errors.New("amqp091: delivery channel closed")

type Dialer struct {
	conf Config
	l    *slog.Logger
}

func NewDialer(conf Config, l *slog.Logger) *Dialer {
	conf.SetDefaults()
	return &Dialer{
		conf: conf,
		l:    l.With("session_type", "amqp091"),
	}
}

func (d *Dialer) Dial(ctx context.Context) (flow.Session, error) {
	conn, err := amqp.DialConfig(d.conf.URL, amqp.Config{
		Heartbeat: d.conf.Heartbeat,
		Properties: amqp.Table{
			"connection_name": d.conf.Consumer,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("amqp091: dial: %w", classify(err))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp091: open channel: %w", classify(err))
	}

	if err := ch.Qos(d.conf.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp091: qos: %w", classify(err))
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		d.conf.Queue, d.conf.Consumer,
		false, d.conf.Exclusive, false, false,
		amqp.Table(d.conf.Args),
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp091: consume: %w", classify(err))
	}

	return &Session{
		conf:       d.conf,
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		closed:     ch.NotifyClose(make(chan *amqp.Error, 1)),
		l:          d.l,
	}, nil
}

// Session consumes one queue over a dedicated channel. Delivery tags are
// scoped to that channel.
type Session struct {
	conf Config

	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error

	l *slog.Logger
}

func (s *Session) Receive(ctx context.Context) (flow.Delivery, error) {
	select {
	case <-ctx.Done():
		return flow.Delivery{}, ctx.Err()
	case err, ok := <-s.closed:
		if ok && err != nil {
			return flow.Delivery{}, fmt.Errorf("amqp091: channel closed: %w", classify(err))
		}
		return flow.Delivery{}, flow.Transient(ErrDeliveriesClosed)
	case d, ok := <-s.deliveries:
		if !ok {
			return flow.Delivery{}, flow.Transient(ErrDeliveriesClosed)
		}
		return toDelivery(s.conf.Queue, d), nil
	}
}

func (s *Session) Accept(_ context.Context, deliveryID uint64) error {
	if err := s.ch.Ack(deliveryID, false); err != nil {
		return fmt.Errorf("amqp091: ack: %w", classify(err))
	}
	return nil
}

func (s *Session) Reject(_ context.Context, deliveryID uint64) error {
	if err := s.ch.Reject(deliveryID, false); err != nil {
		return fmt.Errorf("amqp091: reject: %w", classify(err))
	}
	return nil
}

func (s *Session) Requeue(_ context.Context, deliveryID uint64) error {
	if err := s.ch.Nack(deliveryID, false, true); err != nil {
		return fmt.Errorf("amqp091: nack: %w", classify(err))
	}
	return nil
}

func (s *Session) Close() error {
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		s.l.Error("close channel", "err", err)
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("amqp091: close connection: %w", err)
	}
	return nil
}

func toDelivery(queue string, d amqp.Delivery) flow.Delivery {
	var hs map[string]string
	if len(d.Headers) > 0 {
		hs = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			hs[k] = fmt.Sprint(v)
		}
	}

	return flow.Delivery{
		Payload:      d.Body,
		Headers:      hs,
		Queue:        queue,
		DeliveryID:   d.DeliveryTag,
		Redeliveries: redeliveries(d),
	}
}

// redeliveries prefers the quorum queue delivery counter over the redelivered
// flag.
func redeliveries(d amqp.Delivery) uint32 {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return uint32(v)
	case int32:
		return uint32(v)
	case int:
		return uint32(v)
	}
	if d.Redelivered {
		return 1
	}
	return 0
}

func classify(err error) error {
	var aerr *amqp.Error
	switch {
	case errors.Is(err, amqp.ErrCredentials), errors.Is(err, amqp.ErrSASL), errors.Is(err, amqp.ErrVhost):
		return flow.Permanent(err)
	case errors.Is(err, amqp.ErrClosed):
		return flow.Transient(err)
	case errors.As(err, &aerr):
		if aerr.Recover || aerr.Code == amqp.ConnectionForced {
			return flow.Transient(err)
		}
		if aerr.Code == amqp.PreconditionFailed {
			return flow.Permanent(fmt.Errorf("%w: %w", flow.ErrUnknownDelivery, err))
		}
		return flow.Permanent(err)
	}
	return flow.Transient(err)
}
