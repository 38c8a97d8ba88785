package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	obs "github.com/ValerySidorin/settle/internal/observability"
	"github.com/cenkalti/backoff/v5"
	"github.com/panjf2000/ants/v2"
)

var (
	ErrCancelled         = errors.New("retry: task cancelled")
	ErrAttemptsExhausted = errors.New("retry: attempts exhausted")
	ErrQueueFull         = errors.New("retry: queue full")
	ErrClosed            = errors.New("retry: service closed")
)

type Config struct {
	PoolSize        int           `yaml:"pool_size"`
	MaxPending      int           `yaml:"max_pending"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	// AttemptTimeout bounds a single run of a task. Timed out runs count as
	// retryable failures.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	ReleaseTimeout time.Duration `yaml:"release_timeout"`
}

func (c *Config) SetDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 16
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 5 * time.Second
	}
}

// Backoff returns a fresh exponential backoff with jitter built from c.
func (c Config) Backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.Reset()
	return b
}

// Task is a unit of work run in the background until it succeeds, fails
// permanently, runs out of attempts or is cancelled.
type Task struct {
	Name string
	// Tag groups tasks for CancelTag.
	Tag uint64
	Run func(ctx context.Context) error
	// Done is called exactly once with the terminal result: nil, the error
	// passed to Permanent, ErrCancelled, ErrClosed or an error wrapping
	// ErrAttemptsExhausted.
	Done func(err error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent stops retrying a task; Done receives err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type Handle struct {
	task   Task
	max    int
	policy backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempts int
	timer    *time.Timer
	finished bool
	err      error
	done     chan struct{}
}

func (h *Handle) Tag() uint64 {
	return h.task.Tag
}

// Attempts reports how many times the task has run.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Done is closed when the task reaches a terminal result.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Service runs tasks on a bounded worker pool, rescheduling retryable failures
// per their backoff policy. Callers never block on task execution.
type Service struct {
	conf Config
	pool *ants.Pool

	mu      sync.Mutex
	pending map[*Handle]struct{}
	closed  bool

	l *slog.Logger
}

func NewService(conf Config, l *slog.Logger) (*Service, error) {
	conf.SetDefaults()
	l = l.With("component", "retry")

	pool, err := ants.NewPool(conf.PoolSize, ants.WithPanicHandler(func(p any) {
		l.Error("retry task panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	return &Service{
		conf:    conf,
		pool:    pool,
		pending: make(map[*Handle]struct{}),
		l:       l,
	}, nil
}

// Submit schedules t. The first run happens after the first backoff interval.
// Non-positive maxAttempts and a nil policy fall back to the service config.
// t.Done is never called from within Submit.
func (s *Service) Submit(t Task, maxAttempts int, policy backoff.BackOff) (*Handle, error) {
	if t.Run == nil {
		return nil, errors.New("retry: nil task")
	}
	if maxAttempts <= 0 {
		maxAttempts = s.conf.MaxAttempts
	}
	if policy == nil {
		policy = s.conf.Backoff()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		task:   t,
		max:    maxAttempts,
		policy: policy,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if len(s.pending) >= s.conf.MaxPending {
		s.mu.Unlock()
		cancel()
		return nil, ErrQueueFull
	}
	s.pending[h] = struct{}{}
	obs.SetRetryPending(len(s.pending))
	s.mu.Unlock()

	s.schedule(h)
	return h, nil
}

// Cancel stops h. It reports false if h had already finished.
func (s *Service) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}
	return s.finish(h, ErrCancelled)
}

// CancelTag cancels every pending task whose tag is at most upTo.
func (s *Service) CancelTag(upTo uint64) int {
	s.mu.Lock()
	var hs []*Handle
	for h := range s.pending {
		if h.task.Tag <= upTo {
			hs = append(hs, h)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, h := range hs {
		if s.finish(h, ErrCancelled) {
			n++
		}
	}
	return n
}

// Pending reports the number of unfinished tasks.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every pending task with ErrClosed and releases the pool.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hs := make([]*Handle, 0, len(s.pending))
	for h := range s.pending {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		s.finish(h, ErrClosed)
	}

	timeout := s.conf.ReleaseTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("release pool: %w", err)
	}
	return nil
}

func (s *Service) schedule(h *Handle) {
	d := h.policy.NextBackOff()
	if d == backoff.Stop {
		// Done must not run on the Submit caller's goroutine.
		go s.finish(h, fmt.Errorf("%w: backoff stopped after %d attempts", ErrAttemptsExhausted, h.Attempts()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.timer = time.AfterFunc(d, func() { s.dispatch(h) })
}

func (s *Service) dispatch(h *Handle) {
	if h.ctx.Err() != nil {
		return
	}
	if err := s.pool.Submit(func() { s.run(h) }); err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			s.finish(h, ErrClosed)
			return
		}
		s.l.Warn("retry pool busy, rescheduling", "task", h.task.Name, "err", err)
		s.schedule(h)
	}
}

func (s *Service) run(h *Handle) {
	if h.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, s.conf.AttemptTimeout)
	err := h.task.Run(ctx)
	cancel()

	h.mu.Lock()
	h.attempts++
	n := h.attempts
	h.mu.Unlock()

	var perr *permanentError
	switch {
	case err == nil:
		s.finish(h, nil)
	case h.ctx.Err() != nil:
		// Cancelled while running, already finished.
	case errors.As(err, &perr):
		s.finish(h, perr.err)
	case n >= h.max:
		s.finish(h, fmt.Errorf("%w: %d attempts: %w", ErrAttemptsExhausted, n, err))
	default:
		s.l.Debug("retry task failed, rescheduling", "task", h.task.Name, "attempt", n, "err", err)
		s.schedule(h)
	}
}

func (s *Service) finish(h *Handle, err error) bool {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return false
	}
	h.finished = true
	h.err = err
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()

	h.cancel()

	s.mu.Lock()
	delete(s.pending, h)
	obs.SetRetryPending(len(s.pending))
	s.mu.Unlock()

	close(h.done)
	if h.task.Done != nil {
		h.task.Done(err)
	}
	return true
}
