package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	obs "github.com/ValerySidorin/settle/internal/observability"
	"github.com/cenkalti/backoff/v5"
)

type ContainerConfig struct {
	ReconnectInitialInterval time.Duration `yaml:"reconnect_initial_interval"`
	ReconnectMaxInterval     time.Duration `yaml:"reconnect_max_interval"`
	ReconnectMaxElapsedTime  time.Duration `yaml:"reconnect_max_elapsed_time"`
	ReconnectMaxTries        uint          `yaml:"reconnect_max_tries"` // 0 means unlimited
}

func (c *ContainerConfig) SetDefaults() {
	if c.ReconnectInitialInterval == 0 {
		c.ReconnectInitialInterval = 500 * time.Millisecond
	}
	if c.ReconnectMaxInterval == 0 {
		c.ReconnectMaxInterval = 30 * time.Second
	}
	if c.ReconnectMaxElapsedTime == 0 {
		c.ReconnectMaxElapsedTime = 15 * time.Minute
	}
}

type state uint8

const (
	stateIdle state = iota
	stateConnected
	stateReconnecting
	stateClosed
)

// Container owns the current Session of a flow. Each successful (re)connect
// increments the generation; settlement calls tagged with any other
// generation are rejected as stale.
type Container struct {
	conf   ContainerConfig
	dialer Dialer

	mu          sync.RWMutex
	session     Session
	state       state
	generation  atomic.Uint64
	reconnected chan struct{}
	hooks       []func(uint64)

	l *slog.Logger
}

func NewContainer(conf ContainerConfig, dialer Dialer, l *slog.Logger) *Container {
	conf.SetDefaults()
	return &Container{
		conf:   conf,
		dialer: dialer,
		l:      l.With("component", "flow_container"),
	}
}

// Connect dials the first session. It is a no-op when already connected.
func (c *Container) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return Permanent(ErrClosed)
	case stateConnected, stateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = stateReconnecting
	c.reconnected = make(chan struct{})
	c.mu.Unlock()

	return c.establish(ctx)
}

// Reconnect replaces the current session with a fresh one, advancing the
// generation.
func (c *Container) Reconnect(ctx context.Context) error {
	return c.reconnect(ctx, c.CurrentGeneration())
}

func (c *Container) CurrentGeneration() uint64 {
	return c.generation.Load()
}

func (c *Container) Accept(ctx context.Context, deliveryID, generation uint64) error {
	return c.settle(ctx, "accept", deliveryID, generation, Session.Accept)
}

func (c *Container) Reject(ctx context.Context, deliveryID, generation uint64) error {
	return c.settle(ctx, "reject", deliveryID, generation, Session.Reject)
}

func (c *Container) Requeue(ctx context.Context, deliveryID, generation uint64) error {
	return c.settle(ctx, "requeue", deliveryID, generation, Session.Requeue)
}

// Receive blocks for the next delivery and stamps it with the generation of
// the session that produced it. Transient receive failures trigger a
// reconnect.
func (c *Container) Receive(ctx context.Context) (Record, error) {
	for {
		sess, gen, err := c.current(ctx)
		if err != nil {
			return Record{}, err
		}

		d, err := sess.Receive(ctx)
		if err == nil {
			return newRecord(d, gen), nil
		}
		if ctx.Err() != nil {
			return Record{}, ctx.Err()
		}
		if !IsTransient(err) {
			return Record{}, fmt.Errorf("receive: %w", err)
		}

		c.l.Warn("receive failed, reconnecting", "generation", gen, "err", err)
		if err := c.reconnect(ctx, gen); err != nil {
			return Record{}, fmt.Errorf("reconnect: %w", err)
		}
	}
}

// OnClose registers a hook fired once on terminal shutdown.
func (c *Container) OnClose(hook func(generation uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Close permanently shuts the flow down. Pending reconnects are abandoned and
// all settlement calls fail permanently afterwards.
func (c *Container) Close() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = stateClosed
	sess := c.session
	c.session = nil
	hooks := c.hooks
	c.hooks = nil
	gen := c.generation.Load()
	if prev == stateReconnecting && c.reconnected != nil {
		close(c.reconnected)
		c.reconnected = nil
	}
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			c.l.Error("close session", "generation", gen, "err", err)
		}
	}

	c.l.Info("flow closed", "generation", gen)
	for _, h := range hooks {
		h(gen)
	}
}

func (c *Container) settle(
	ctx context.Context, op string, deliveryID, generation uint64,
	f func(Session, context.Context, uint64) error,
) error {
	c.mu.RLock()
	if current := c.generation.Load(); generation != current {
		c.mu.RUnlock()
		c.l.Debug("stale settlement skipped",
			"op", op, "delivery_id", deliveryID,
			"generation", generation, "current_generation", current)
		return fmt.Errorf("%s delivery %d: %w", op, deliveryID, ErrStale)
	}

	switch c.state {
	case stateClosed:
		c.mu.RUnlock()
		return fmt.Errorf("%s delivery %d: %w", op, deliveryID, Permanent(ErrClosed))
	case stateConnected:
	default:
		c.mu.RUnlock()
		return fmt.Errorf("%s delivery %d: %w", op, deliveryID, Transient(ErrReconnecting))
	}
	sess := c.session
	c.mu.RUnlock()

	// The network call runs unlocked so that a hung session cannot block
	// Close or a reconnect. If the session is swapped meanwhile, the call
	// fails on the closed session and a retry finds the generation stale.
	if err := f(sess, ctx, deliveryID); err != nil {
		return fmt.Errorf("%s delivery %d: %w", op, deliveryID, err)
	}
	return nil
}

func (c *Container) current(ctx context.Context) (Session, uint64, error) {
	for {
		c.mu.RLock()
		st, sess, wait := c.state, c.session, c.reconnected
		gen := c.generation.Load()
		c.mu.RUnlock()

		switch st {
		case stateConnected:
			return sess, gen, nil
		case stateClosed:
			return nil, 0, Permanent(ErrClosed)
		case stateIdle:
			return nil, 0, Transient(errors.New("flow not connected"))
		}

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-wait:
		}
	}
}

func (c *Container) reconnect(ctx context.Context, failedGen uint64) error {
	c.mu.Lock()
	switch {
	case c.state == stateClosed:
		c.mu.Unlock()
		return Permanent(ErrClosed)
	case c.state == stateReconnecting || c.generation.Load() != failedGen:
		// Someone else already replaced the session.
		c.mu.Unlock()
		return nil
	}
	old := c.session
	c.session = nil
	c.state = stateReconnecting
	c.reconnected = make(chan struct{})
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.l.Debug("close failed session", "generation", failedGen, "err", err)
		}
	}

	return c.establish(ctx)
}

// establish dials a session and publishes it under a new generation. The
// container must be in stateReconnecting.
func (c *Container) establish(ctx context.Context) error {
	sess, dialErr := c.dial(ctx)

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return Permanent(ErrClosed)
	}

	if dialErr != nil {
		c.mu.Unlock()
		c.l.Error("dial failed, closing flow", "err", dialErr)
		c.Close()
		return fmt.Errorf("dial: %w", dialErr)
	}

	c.session = sess
	c.state = stateConnected
	gen := c.generation.Add(1)
	close(c.reconnected)
	c.reconnected = nil
	c.mu.Unlock()

	obs.SetGeneration(gen)
	c.l.Info("flow connected", "generation", gen)
	return nil
}

func (c *Container) dial(ctx context.Context) (Session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.conf.ReconnectInitialInterval
	b.MaxInterval = c.conf.ReconnectMaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.conf.ReconnectMaxElapsedTime),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.l.Warn("dial failed, retrying", "in", d, "err", err)
		}),
	}
	if c.conf.ReconnectMaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(c.conf.ReconnectMaxTries))
	}

	return backoff.Retry(ctx, func() (Session, error) {
		sess, err := c.dialer.Dial(ctx)
		if err != nil {
			if errors.Is(err, ErrPermanent) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return sess, nil
	}, opts...)
}
