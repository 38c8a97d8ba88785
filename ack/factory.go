package ack

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/flow"
	"github.com/cenkalti/backoff/v5"
)

type Option func(*Factory)

// WithTemporaryQueue marks the consumed queue as non-durable. Requeue is then
// impossible and fails permanently.
func WithTemporaryQueue(temporary bool) Option {
	return func(f *Factory) {
		f.temporary = temporary
	}
}

// WithMaxAttempts bounds deferred settlement retries. Zero leaves the task
// service default.
func WithMaxAttempts(n int) Option {
	return func(f *Factory) {
		f.maxAttempts = n
	}
}

// WithBackoff sets the retry schedule. fn is called once per deferred
// settlement.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(f *Factory) {
		f.newBackoff = fn
	}
}

// WithFailureHandler registers fn for failures detected after Acknowledge
// returned, i.e. permanent errors or exhausted attempts of deferred retries.
func WithFailureHandler(fn func(rec flow.Record, err error)) Option {
	return func(f *Factory) {
		f.onFailure = fn
	}
}

func WithErrorQueue(infra errqueue.Infrastructure) Option {
	return func(f *Factory) {
		f.errQueue = infra
	}
}

// Factory creates callbacks bound to one receiver.
type Factory struct {
	receiver flow.Receiver
	tasks    TaskService

	temporary   bool
	maxAttempts int
	newBackoff  func() backoff.BackOff
	onFailure   func(flow.Record, error)

	mu       sync.RWMutex
	errQueue errqueue.Infrastructure

	l *slog.Logger
}

func NewFactory(receiver flow.Receiver, tasks TaskService, l *slog.Logger, opts ...Option) *Factory {
	f := &Factory{
		receiver: receiver,
		tasks:    tasks,
		l:        l.With("component", "ack"),
	}
	for _, opt := range opts {
		opt(f)
	}

	if n, ok := receiver.(flow.CloseNotifier); ok {
		n.OnClose(func(gen uint64) {
			cancelled := tasks.CancelTag(gen)
			f.l.Debug("receiver closed, pending settlements cancelled", "generation", gen, "cancelled", cancelled)
		})
	}

	return f
}

// SetErrorQueueInfrastructure replaces the error queue used by callbacks
// created afterwards. nil disables forwarding.
func (f *Factory) SetErrorQueueInfrastructure(infra errqueue.Infrastructure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errQueue = infra
}

func (f *Factory) Receiver() flow.Receiver {
	return f.receiver
}

func (f *Factory) CreateCallback(rec flow.Record) *SingleCallback {
	f.mu.RLock()
	eq := f.errQueue
	f.mu.RUnlock()

	return &SingleCallback{
		rec:         rec,
		receiver:    f.receiver,
		tasks:       f.tasks,
		errQueue:    eq,
		temporary:   f.temporary,
		maxAttempts: f.maxAttempts,
		newBackoff:  f.newBackoff,
		onFailure:   f.onFailure,
		done:        make(chan struct{}),
		l:           f.l.With("delivery_id", rec.DeliveryID, "generation", rec.Generation),
	}
}

// CreateBatchMessageCallbacks returns one member callback per record, in
// order.
func (f *Factory) CreateBatchMessageCallbacks(recs []flow.Record) []*BatchMemberCallback {
	members := make([]*BatchMemberCallback, len(recs))
	for i, rec := range recs {
		members[i] = &BatchMemberCallback{inner: f.CreateCallback(rec)}
	}
	return members
}

func (f *Factory) CreateBatchCallback(recs []flow.Record) *BatchCallback {
	return f.newBatch(f.CreateBatchMessageCallbacks(recs))
}

// CreateBatchCallbackFromCallbacks groups member callbacks created by a
// factory sharing this factory's receiver.
func (f *Factory) CreateBatchCallbackFromCallbacks(callbacks []Callback) (*BatchCallback, error) {
	members := make([]*BatchMemberCallback, len(callbacks))
	for i, cb := range callbacks {
		m, ok := cb.(*BatchMemberCallback)
		if !ok {
			return nil, fmt.Errorf("%w: member %d is %T, not a batch member", ErrInvalidBatchComposition, i, cb)
		}
		if m.inner.receiver != f.receiver {
			return nil, fmt.Errorf("%w: member %d was created for another receiver", ErrInvalidBatchComposition, i)
		}
		members[i] = m
	}
	return f.newBatch(members), nil
}

func (f *Factory) newBatch(members []*BatchMemberCallback) *BatchCallback {
	return &BatchCallback{
		members: members,
		l:       f.l,
	}
}
