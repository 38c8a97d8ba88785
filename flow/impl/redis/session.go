package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ValerySidorin/settle/flow"
	"github.com/redis/rueidis"
)

const (
	fieldMsg          = "msg"
	fieldRedeliveries = "redeliveries"
)

type Dialer struct {
	conf Config
	l    *slog.Logger
}

func NewDialer(conf Config, l *slog.Logger) *Dialer {
	conf.SetDefaults()
	return &Dialer{
		conf: conf,
		l:    l.With("session_type", "redis_streams"),
	}
}

func (d *Dialer) Dial(ctx context.Context) (flow.Session, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  d.conf.InitAddress,
		Username:     d.conf.Username,
		Password:     d.conf.Password,
		DisableCache: d.conf.DisableCache,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: new client: %w", classify(err))
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().XgroupCreate().
		Key(d.conf.Stream).Group(d.conf.Group.Name).Id(d.conf.Group.CreateId).Mkstream().
		Build()).Error(); err != nil && !rueidis.IsRedisBusyGroup(err) {
		client.Close()
		return nil, fmt.Errorf("redis: xgroup create: %w", classify(err))
	}

	return &Session{
		conf:     d.conf,
		client:   client,
		cursor:   "0",
		inflight: make(map[uint64]rueidis.XRangeEntry),
		l:        d.l,
	}, nil
}

// Session reads a stream through a consumer group. It first drains the
// consumer's own pending entries, which were left unsettled by a previous
// session, then switches to new entries.
type Session struct {
	conf   Config
	client rueidis.Client

	cursor string
	buf    []rueidis.XRangeEntry

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]rueidis.XRangeEntry

	l *slog.Logger
}

func (s *Session) Receive(ctx context.Context) (flow.Delivery, error) {
	for len(s.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return flow.Delivery{}, err
		}

		resp, err := s.client.Do(ctx, s.client.B().
			Xreadgroup().Group(s.conf.Group.Name, s.conf.Group.Consumer).
			Count(s.conf.Count).Block(s.conf.Block.Milliseconds()).
			Streams().Key(s.conf.Stream).Id(s.cursor).
			Build()).AsXRead()
		if err != nil {
			if rueidis.IsRedisNil(err) {
				continue
			}
			if ctx.Err() != nil {
				return flow.Delivery{}, ctx.Err()
			}
			return flow.Delivery{}, fmt.Errorf("redis: xreadgroup: %w", classify(err))
		}

		entries := resp[s.conf.Stream]
		if s.cursor != ">" {
			if len(entries) == 0 {
				s.cursor = ">"
				continue
			}
			s.cursor = entries[len(entries)-1].ID
		}
		s.buf = entries
	}

	e := s.buf[0]
	s.buf = s.buf[1:]

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.inflight[id] = e
	s.mu.Unlock()

	return toDelivery(s.conf.Stream, id, e), nil
}

func (s *Session) Accept(ctx context.Context, deliveryID uint64) error {
	return s.settle(ctx, "xack", deliveryID, s.ack)
}

// Reject acknowledges without redelivery; dead-lettering is done by the error
// queue before the entry gets here.
func (s *Session) Reject(ctx context.Context, deliveryID uint64) error {
	return s.settle(ctx, "xack", deliveryID, s.ack)
}

// Requeue appends a copy of the entry with a bumped redelivery counter and
// acknowledges the original in one transaction.
func (s *Session) Requeue(ctx context.Context, deliveryID uint64) error {
	return s.settle(ctx, "requeue", deliveryID, func(ctx context.Context, e rueidis.XRangeEntry) error {
		fv := s.client.B().Xadd().Key(s.conf.Stream).Id("*").FieldValue()
		for k, v := range e.FieldValues {
			if k != fieldRedeliveries {
				fv = fv.FieldValue(k, v)
			}
		}
		redeliveries := strconv.FormatUint(uint64(redeliveriesOf(e))+1, 10)
		xadd := fv.FieldValue(fieldRedeliveries, redeliveries).Build()

		for _, resp := range s.client.DoMulti(ctx,
			s.client.B().Multi().Build(),
			xadd,
			s.xack(e.ID),
			s.client.B().Exec().Build(),
		) {
			if err := resp.Error(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Session) ack(ctx context.Context, e rueidis.XRangeEntry) error {
	return s.client.Do(ctx, s.xack(e.ID)).Error()
}

func (s *Session) xack(id string) rueidis.Completed {
	return s.client.B().Xack().Key(s.conf.Stream).Group(s.conf.Group.Name).Id(id).Build()
}

func (s *Session) settle(ctx context.Context, op string, deliveryID uint64, fn func(context.Context, rueidis.XRangeEntry) error) error {
	s.mu.Lock()
	e, ok := s.inflight[deliveryID]
	s.mu.Unlock()
	if !ok {
		return flow.Permanent(fmt.Errorf("redis: %s delivery %d: %w", op, deliveryID, flow.ErrUnknownDelivery))
	}

	if err := fn(ctx, e); err != nil {
		return fmt.Errorf("redis: %s: %w", op, classify(err))
	}

	s.mu.Lock()
	delete(s.inflight, deliveryID)
	s.mu.Unlock()
	return nil
}

func (s *Session) Close() error {
	s.client.Close()
	return nil
}

func toDelivery(stream string, id uint64, e rueidis.XRangeEntry) flow.Delivery {
	var hs map[string]string
	for k, v := range e.FieldValues {
		if k == fieldMsg || k == fieldRedeliveries {
			continue
		}
		if hs == nil {
			hs = make(map[string]string, len(e.FieldValues))
		}
		hs[k] = v
	}

	return flow.Delivery{
		Payload:      []byte(e.FieldValues[fieldMsg]),
		Headers:      hs,
		Queue:        stream,
		DeliveryID:   id,
		Redeliveries: redeliveriesOf(e),
	}
}

func redeliveriesOf(e rueidis.XRangeEntry) uint32 {
	n, err := strconv.ParseUint(e.FieldValues[fieldRedeliveries], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func classify(err error) error {
	if errors.Is(err, rueidis.ErrClosing) {
		return flow.Transient(err)
	}
	if rerr, ok := rueidis.IsRedisErr(err); ok {
		if rerr.IsTryAgain() || rerr.IsClusterDown() {
			return flow.Transient(err)
		}
		return flow.Permanent(err)
	}
	return flow.Transient(err)
}
