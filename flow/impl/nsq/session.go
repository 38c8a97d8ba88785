package nsq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ValerySidorin/settle/flow"
	"github.com/nsqio/go-nsq"
)

var (
	ErrStopped       = errors.New("nsq: consumer stopped")
	ErrNoConnections = errors.New("nsq: no nsqd connections")
)

type Dialer struct {
	conf Config
	l    *slog.Logger
}

func NewDialer(conf Config, l *slog.Logger) *Dialer {
	conf.SetDefaults()
	return &Dialer{
		conf: conf,
		l:    l.With("session_type", "nsq"),
	}
}

func (d *Dialer) Dial(_ context.Context) (flow.Session, error) {
	cfg := nsq.NewConfig()
	cfg.MaxInFlight = d.conf.MaxInFlight

	c, err := nsq.NewConsumer(d.conf.Topic, d.conf.Channel, cfg)
	if err != nil {
		return nil, flow.Permanent(fmt.Errorf("nsq: new consumer: %w", err))
	}
	c.SetLogger(logger{l: d.l}, nsq.LogLevelWarning)

	s := &Session{
		conf:       d.conf,
		consumer:   c,
		deliveries: make(chan *nsq.Message, d.conf.MaxInFlight),
		inflight:   make(map[uint64]*nsq.Message),
		l:          d.l,
	}
	c.AddHandler(nsq.HandlerFunc(s.handle))

	if len(d.conf.LookupdAddresses) > 0 {
		err = c.ConnectToNSQLookupds(d.conf.LookupdAddresses)
	} else {
		err = c.ConnectToNSQDs(d.conf.NSQDAddresses)
	}
	if err != nil {
		c.Stop()
		return nil, flow.Transient(fmt.Errorf("nsq: connect: %w", err))
	}

	return s, nil
}

// Session hands messages from the consumer's handler goroutines to Receive.
// Message ids are NSQ's own, so delivery ids are assigned locally.
type Session struct {
	conf     Config
	consumer *nsq.Consumer

	deliveries chan *nsq.Message

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]*nsq.Message

	l *slog.Logger
}

func (s *Session) handle(m *nsq.Message) error {
	m.DisableAutoResponse()
	select {
	case s.deliveries <- m:
	case <-s.consumer.StopChan:
		m.Requeue(-1)
	}
	return nil
}

func (s *Session) Receive(ctx context.Context) (flow.Delivery, error) {
	select {
	case <-ctx.Done():
		return flow.Delivery{}, ctx.Err()
	case <-s.consumer.StopChan:
		return flow.Delivery{}, flow.Transient(ErrStopped)
	case m := <-s.deliveries:
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.inflight[id] = m
		s.mu.Unlock()

		var redeliveries uint32
		if m.Attempts > 1 {
			redeliveries = uint32(m.Attempts - 1)
		}

		return flow.Delivery{
			Payload:      m.Body,
			Headers:      map[string]string{"nsq-message-id": string(m.ID[:])},
			Queue:        s.conf.Topic,
			DeliveryID:   id,
			Redeliveries: redeliveries,
		}, nil
	}
}

func (s *Session) Accept(_ context.Context, deliveryID uint64) error {
	return s.settle("finish", deliveryID, func(m *nsq.Message) { m.Finish() })
}

// Reject finishes the message; NSQ has no negative terminal acknowledgement.
func (s *Session) Reject(_ context.Context, deliveryID uint64) error {
	return s.settle("finish", deliveryID, func(m *nsq.Message) { m.Finish() })
}

func (s *Session) Requeue(_ context.Context, deliveryID uint64) error {
	return s.settle("requeue", deliveryID, func(m *nsq.Message) { m.Requeue(s.conf.RequeueDelay) })
}

func (s *Session) settle(op string, deliveryID uint64, fn func(*nsq.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.inflight[deliveryID]
	if !ok {
		return flow.Permanent(fmt.Errorf("nsq: %s delivery %d: %w", op, deliveryID, flow.ErrUnknownDelivery))
	}
	if s.consumer.Stats().Connections == 0 {
		return flow.Transient(fmt.Errorf("nsq: %s: %w", op, ErrNoConnections))
	}

	fn(m)
	delete(s.inflight, deliveryID)
	return nil
}

func (s *Session) Close() error {
	s.consumer.Stop()
	<-s.consumer.StopChan
	return nil
}

// logger adapts go-nsq's logger to slog.
type logger struct {
	l *slog.Logger
}

func (l logger) Output(_ int, s string) error {
	switch {
	case strings.HasPrefix(s, "ERR"):
		l.l.Error(s)
	case strings.HasPrefix(s, "WRN"):
		l.l.Warn(s)
	default:
		l.l.Debug(s)
	}
	return nil
}
