package flow

import "context"

// Session is one physical receive connection to a broker queue.
type Session interface {
	Receive(ctx context.Context) (Delivery, error)
	Accept(ctx context.Context, deliveryID uint64) error
	Reject(ctx context.Context, deliveryID uint64) error
	Requeue(ctx context.Context, deliveryID uint64) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// Receiver settles deliveries on behalf of callbacks. Every operation is
// checked against the current generation: a mismatch yields ErrStale and no
// network call is issued.
type Receiver interface {
	CurrentGeneration() uint64
	Accept(ctx context.Context, deliveryID, generation uint64) error
	Reject(ctx context.Context, deliveryID, generation uint64) error
	Requeue(ctx context.Context, deliveryID, generation uint64) error
}

// CloseNotifier is implemented by receivers that can report terminal shutdown.
// The hook receives the last generation the receiver served.
type CloseNotifier interface {
	OnClose(hook func(generation uint64))
}
