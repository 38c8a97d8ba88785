// Package flowtest provides in-memory flow sessions for tests.
package flowtest

import (
	"context"
	"errors"
	"sync"

	"github.com/ValerySidorin/settle/flow"
)

type Op string

const (
	OpAccept  Op = "accept"
	OpReject  Op = "reject"
	OpRequeue Op = "requeue"
)

type Call struct {
	Op         Op
	DeliveryID uint64
}

var ErrSessionClosed = errors.New("flowtest: session closed")

// Session is a scriptable flow.Session. Settlement calls succeed unless
// results were queued with Script.
type Session struct {
	mu      sync.Mutex
	calls   []Call
	scripts map[Op][]error
	closed  bool

	deliveries chan flow.Delivery
	done       chan struct{}
}

func NewSession() *Session {
	return &Session{
		scripts:    make(map[Op][]error),
		deliveries: make(chan flow.Delivery, 64),
		done:       make(chan struct{}),
	}
}

// Push queues a delivery for Receive.
func (s *Session) Push(d flow.Delivery) {
	s.deliveries <- d
}

// Script queues results returned by the next calls of op, in order.
func (s *Session) Script(op Op, results ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[op] = append(s.scripts[op], results...)
}

// Calls returns every settlement call that reached the session.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsOf returns the settlement calls of a single kind.
func (s *Session) CallsOf(op Op) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Receive(ctx context.Context) (flow.Delivery, error) {
	select {
	case <-ctx.Done():
		return flow.Delivery{}, ctx.Err()
	case <-s.done:
		return flow.Delivery{}, flow.Transient(ErrSessionClosed)
	case d := <-s.deliveries:
		return d, nil
	}
}

func (s *Session) Accept(_ context.Context, deliveryID uint64) error {
	return s.call(OpAccept, deliveryID)
}

func (s *Session) Reject(_ context.Context, deliveryID uint64) error {
	return s.call(OpReject, deliveryID)
}

func (s *Session) Requeue(_ context.Context, deliveryID uint64) error {
	return s.call(OpRequeue, deliveryID)
}

// Break simulates a lost connection: pending and future Receive calls fail
// with a transient error.
func (s *Session) Break() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *Session) Close() error {
	s.Break()
	return nil
}

func (s *Session) call(op Op, deliveryID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Op: op, DeliveryID: deliveryID})
	if q := s.scripts[op]; len(q) > 0 {
		err := q[0]
		s.scripts[op] = q[1:]
		return err
	}
	return nil
}

// Dialer hands out the given sessions in order and fresh ones afterwards.
type Dialer struct {
	mu       sync.Mutex
	queue    []*Session
	sessions []*Session
	errs     []error
}

func NewDialer(sessions ...*Session) *Dialer {
	return &Dialer{queue: sessions}
}

// FailNext makes the next dials fail with errs, in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

func (d *Dialer) Dial(_ context.Context) (flow.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}

	var s *Session
	if len(d.queue) > 0 {
		s, d.queue = d.queue[0], d.queue[1:]
	} else {
		s = NewSession()
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Sessions returns every session dialed so far.
func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Last returns the most recently dialed session.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}
