package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ValerySidorin/settle/flow"
	"github.com/nats-io/nats.go"
)

type Dialer struct {
	conf Config
	l    *slog.Logger
}

func NewDialer(conf Config, l *slog.Logger) *Dialer {
	conf.SetDefaults()
	return &Dialer{
		conf: conf,
		l:    l.With("session_type", "nats_jetstream"),
	}
}

// Dial connects without client side reconnects; the flow container owns
// reconnection so that every new connection gets a new generation.
func (d *Dialer) Dial(_ context.Context) (flow.Session, error) {
	nc, err := nats.Connect(d.conf.URL, nats.Name(d.conf.Name), nats.NoReconnect())
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", classify(err))
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", classify(err))
	}

	opts := []nats.SubOpt{
		nats.AckExplicit(),
		nats.AckWait(d.conf.AckWait),
	}
	if d.conf.Stream != "" {
		opts = append(opts, nats.BindStream(d.conf.Stream))
	}
	if d.conf.MaxDeliver > 0 {
		opts = append(opts, nats.MaxDeliver(d.conf.MaxDeliver))
	}

	sub, err := js.PullSubscribe(d.conf.Subject, d.conf.Durable, opts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: pull subscribe: %w", classify(err))
	}

	return &Session{
		conf:     d.conf,
		nc:       nc,
		sub:      sub,
		inflight: make(map[uint64]*nats.Msg),
		l:        d.l,
	}, nil
}

// Session pulls from a durable consumer. The consumer sequence of a message is
// its delivery id.
type Session struct {
	conf Config
	nc   *nats.Conn
	sub  *nats.Subscription

	buf []*nats.Msg

	mu       sync.Mutex
	inflight map[uint64]*nats.Msg

	l *slog.Logger
}

func (s *Session) Receive(ctx context.Context) (flow.Delivery, error) {
	for len(s.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return flow.Delivery{}, err
		}

		msgs, err := s.sub.Fetch(s.conf.FetchBatch, nats.MaxWait(s.conf.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return flow.Delivery{}, fmt.Errorf("nats: fetch: %w", classify(err))
		}
		s.buf = msgs
	}

	msg := s.buf[0]
	s.buf = s.buf[1:]

	meta, err := msg.Metadata()
	if err != nil {
		return flow.Delivery{}, flow.Permanent(fmt.Errorf("nats: metadata: %w", err))
	}

	id := meta.Sequence.Consumer
	s.mu.Lock()
	s.inflight[id] = msg
	s.mu.Unlock()

	var hs map[string]string
	if len(msg.Header) > 0 {
		hs = make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			hs[k] = msg.Header.Get(k)
		}
	}

	var redeliveries uint32
	if meta.NumDelivered > 1 {
		redeliveries = uint32(meta.NumDelivered - 1)
	}

	return flow.Delivery{
		Payload:      msg.Data,
		Headers:      hs,
		Queue:        msg.Subject,
		DeliveryID:   id,
		Redeliveries: redeliveries,
	}, nil
}

func (s *Session) Accept(_ context.Context, deliveryID uint64) error {
	return s.settle("ack", deliveryID, func(m *nats.Msg) error { return m.Ack() })
}

func (s *Session) Reject(_ context.Context, deliveryID uint64) error {
	return s.settle("term", deliveryID, func(m *nats.Msg) error { return m.Term() })
}

func (s *Session) Requeue(_ context.Context, deliveryID uint64) error {
	return s.settle("nak", deliveryID, func(m *nats.Msg) error { return m.Nak() })
}

func (s *Session) settle(op string, deliveryID uint64, fn func(*nats.Msg) error) error {
	s.mu.Lock()
	msg, ok := s.inflight[deliveryID]
	s.mu.Unlock()
	if !ok {
		return flow.Permanent(fmt.Errorf("nats: %s delivery %d: %w", op, deliveryID, flow.ErrUnknownDelivery))
	}

	if err := fn(msg); err != nil {
		if errors.Is(err, nats.ErrMsgAlreadyAckd) {
			s.forget(deliveryID)
			return flow.Permanent(fmt.Errorf("nats: %s: %w", op, err))
		}
		return fmt.Errorf("nats: %s: %w", op, classify(err))
	}

	s.forget(deliveryID)
	return nil
}

func (s *Session) forget(deliveryID uint64) {
	s.mu.Lock()
	delete(s.inflight, deliveryID)
	s.mu.Unlock()
}

// Close drops the connection only. Unsubscribe would delete a durable the
// library created, losing its unacknowledged deliveries.
func (s *Session) Close() error {
	s.mu.Lock()
	unsettled := len(s.inflight)
	s.mu.Unlock()
	s.l.Debug("closing session", "unsettled", unsettled)
	s.nc.Close()
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrStreamNotFound),
		errors.Is(err, nats.ErrBadSubject):
		return flow.Permanent(err)
	}
	return flow.Transient(err)
}
