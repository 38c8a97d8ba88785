package amqp10

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/ValerySidorin/settle/flow"
)

type Dialer struct {
	conf Config
	l    *slog.Logger
}

func NewDialer(conf Config, l *slog.Logger) *Dialer {
	conf.SetDefaults()
	return &Dialer{
		conf: conf,
		l:    l.With("session_type", "amqp10"),
	}
}

func (d *Dialer) Dial(ctx context.Context) (flow.Session, error) {
	conn, err := amqp.Dial(ctx, d.conf.Addr, &amqp.ConnOptions{
		ContainerID:  d.conf.ContainerID,
		HostName:     d.conf.HostName,
		IdleTimeout:  d.conf.IdleTimeout,
		MaxFrameSize: d.conf.MaxFrameSize,
		WriteTimeout: d.conf.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("amqp10: dial: %w", classify(err))
	}

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp10: new session: %w", classify(err))
	}

	settleMode := amqp.ReceiverSettleModeSecond
	receiver, err := session.NewReceiver(ctx, d.conf.Source, &amqp.ReceiverOptions{
		Credit:         d.conf.Credit,
		Name:           d.conf.Name,
		SettlementMode: &settleMode,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp10: new receiver: %w", classify(err))
	}

	return &Session{
		conf:     d.conf,
		conn:     conn,
		session:  session,
		receiver: receiver,
		inflight: make(map[uint64]*amqp.Message),
		l:        d.l,
	}, nil
}

// Session settles messages through the link that received them. Delivery ids
// are assigned locally and index the in-flight messages.
type Session struct {
	conf Config

	conn     *amqp.Conn
	session  *amqp.Session
	receiver *amqp.Receiver

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]*amqp.Message

	l *slog.Logger
}

func (s *Session) Receive(ctx context.Context) (flow.Delivery, error) {
	msg, err := s.receiver.Receive(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return flow.Delivery{}, ctx.Err()
		}
		return flow.Delivery{}, fmt.Errorf("amqp10: receive: %w", classify(err))
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.inflight[id] = msg
	s.mu.Unlock()

	var redeliveries uint32
	if msg.Header != nil {
		redeliveries = msg.Header.DeliveryCount
	}

	var hs map[string]string
	if len(msg.ApplicationProperties) > 0 {
		hs = make(map[string]string, len(msg.ApplicationProperties))
		for k, v := range msg.ApplicationProperties {
			hs[k] = fmt.Sprint(v)
		}
	}

	return flow.Delivery{
		Payload:      msg.GetData(),
		Headers:      hs,
		Queue:        s.conf.Source,
		DeliveryID:   id,
		Redeliveries: redeliveries,
	}, nil
}

func (s *Session) Accept(ctx context.Context, deliveryID uint64) error {
	return s.settle(ctx, "accept", deliveryID, s.receiver.AcceptMessage)
}

func (s *Session) Reject(ctx context.Context, deliveryID uint64) error {
	return s.settle(ctx, "reject", deliveryID, func(ctx context.Context, msg *amqp.Message) error {
		return s.receiver.RejectMessage(ctx, msg, nil)
	})
}

func (s *Session) Requeue(ctx context.Context, deliveryID uint64) error {
	return s.settle(ctx, "release", deliveryID, s.receiver.ReleaseMessage)
}

func (s *Session) settle(ctx context.Context, op string, deliveryID uint64, fn func(context.Context, *amqp.Message) error) error {
	s.mu.Lock()
	msg, ok := s.inflight[deliveryID]
	s.mu.Unlock()
	if !ok {
		return flow.Permanent(fmt.Errorf("amqp10: %s delivery %d: %w", op, deliveryID, flow.ErrUnknownDelivery))
	}

	if err := fn(ctx, msg); err != nil {
		return fmt.Errorf("amqp10: %s: %w", op, classify(err))
	}

	s.mu.Lock()
	delete(s.inflight, deliveryID)
	s.mu.Unlock()
	return nil
}

func (s *Session) Close() error {
	ctx := context.Background()
	if err := s.receiver.Close(ctx); err != nil {
		s.l.Error("amqp10: close receiver", "err", err)
	}
	if err := s.session.Close(ctx); err != nil {
		s.l.Error("amqp10: close session", "err", err)
	}
	return s.conn.Close()
}

func classify(err error) error {
	var (
		connErr    *amqp.ConnError
		sessionErr *amqp.SessionError
		linkErr    *amqp.LinkError
	)
	switch {
	case errors.As(err, &connErr), errors.As(err, &sessionErr), errors.As(err, &linkErr):
		return flow.Transient(err)
	case errors.Is(err, context.DeadlineExceeded):
		return flow.Transient(err)
	}

	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		switch aerr.Condition {
		case amqp.ErrCondUnauthorizedAccess, amqp.ErrCondNotFound, amqp.ErrCondNotAllowed:
			return flow.Permanent(err)
		}
	}
	return flow.Transient(err)
}
