package ack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/flow"
	obs "github.com/ValerySidorin/settle/internal/observability"
	"github.com/ValerySidorin/settle/retry"
	"github.com/cenkalti/backoff/v5"
)

// Callback is implemented by SingleCallback, BatchMemberCallback and
// BatchCallback only.
type Callback interface {
	Acknowledge(ctx context.Context, status Status) error
	IsAcknowledged() bool
	// NoAutoAck tells the consumer pipeline that the application settles the
	// message itself, possibly after the handler returned.
	NoAutoAck()
	IsAutoAck() bool

	sealed()
}

// TaskService runs deferred settlement retries.
type TaskService interface {
	Submit(t retry.Task, maxAttempts int, policy backoff.BackOff) (*retry.Handle, error)
	Cancel(h *retry.Handle) bool
	CancelTag(upTo uint64) int
}

type step uint8

const (
	stepForward step = iota
	stepAccept
	stepReject
	stepRequeue
)

func (s step) String() string {
	switch s {
	case stepForward:
		return "forward"
	case stepAccept:
		return "accept"
	case stepReject:
		return "reject"
	default:
		return "requeue"
	}
}

// SingleCallback settles one record. The first Acknowledge drives the
// settlement; transient failures are handed to the TaskService and later
// calls supersede a still pending retry. Once settled, further calls only
// record the status.
type SingleCallback struct {
	rec         flow.Record
	receiver    flow.Receiver
	tasks       TaskService
	errQueue    errqueue.Infrastructure
	temporary   bool
	maxAttempts int
	newBackoff  func() backoff.BackOff
	onFailure   func(flow.Record, error)

	// seq identifies the current retry submission; bumping it orphans
	// older submissions without taking mu.
	seq atomic.Uint64

	mu           sync.Mutex
	status       Status
	acknowledged bool
	noAutoAck    bool
	step         step
	pending      *retry.Handle
	resolved     bool
	outcome      flow.Outcome
	err          error
	done         chan struct{}

	l *slog.Logger
}

func (c *SingleCallback) sealed() {}

func (c *SingleCallback) Record() flow.Record {
	return c.rec
}

func (c *SingleCallback) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *SingleCallback) IsAcknowledged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acknowledged
}

func (c *SingleCallback) NoAutoAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noAutoAck = true
}

func (c *SingleCallback) IsAutoAck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.noAutoAck
}

// Done is closed once the record is settled or settlement was abandoned.
func (c *SingleCallback) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal failure, if any, after Done is closed.
func (c *SingleCallback) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Outcome reports how settlement ended. ok is false while unresolved.
func (c *SingleCallback) Outcome() (o flow.Outcome, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome, c.resolved
}

func (c *SingleCallback) Acknowledge(ctx context.Context, status Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status = status
	c.acknowledged = true

	if c.resolved {
		c.l.Debug("already settled, status recorded only", "status", status)
		return nil
	}

	if c.pending != nil {
		c.seq.Add(1)
		c.tasks.Cancel(c.pending)
		c.pending = nil
		c.l.Debug("pending retry superseded", "status", status)
	}

	return c.attemptLocked(ctx, c.plan(status))
}

func (c *SingleCallback) plan(status Status) step {
	switch status {
	case Reject:
		if c.errQueue != nil && c.errQueue.Accepts(c.rec) {
			return stepForward
		}
		return stepReject
	case Requeue:
		return stepRequeue
	default:
		return stepAccept
	}
}

func (c *SingleCallback) attemptLocked(ctx context.Context, s step) error {
	failed, err := c.executeLocked(ctx, s)

	switch outcome := flow.Classify(err); outcome {
	case flow.Success, flow.Stale:
		c.resolveLocked(failed, outcome, nil)
		return nil
	case flow.TransientFailure:
		if serr := c.submitLocked(failed); serr != nil {
			fatal := c.fail(errors.Join(err, serr))
			c.resolveLocked(failed, flow.PermanentFailure, fatal)
			return fatal
		}
		return nil
	default:
		fatal := c.fail(err)
		c.resolveLocked(failed, flow.PermanentFailure, fatal)
		return fatal
	}
}

// executeLocked runs s and the steps that follow it. It returns the step that
// produced the result.
func (c *SingleCallback) executeLocked(ctx context.Context, s step) (step, error) {
	id, gen := c.rec.DeliveryID, c.rec.Generation
	for {
		switch s {
		case stepForward:
			if current := c.receiver.CurrentGeneration(); current != gen {
				return s, fmt.Errorf("forward delivery %d: %w", id, flow.ErrStale)
			}
			if err := c.errQueue.Forward(ctx, c.rec); err != nil {
				obs.IncError("error_queue_forward")
				c.l.Warn("falling back to requeue",
					"err", fmt.Errorf("%w: %w", ErrErrorQueueForwardingFailed, err))
				s = stepRequeue
				continue
			}
			s = stepAccept
		case stepAccept:
			return s, c.receiver.Accept(ctx, id, gen)
		case stepReject:
			return s, c.receiver.Reject(ctx, id, gen)
		default:
			if c.temporary {
				return s, flow.Permanent(ErrRequeueUnsupported)
			}
			return s, c.receiver.Requeue(ctx, id, gen)
		}
	}
}

func (c *SingleCallback) submitLocked(s step) error {
	var policy backoff.BackOff
	if c.newBackoff != nil {
		policy = c.newBackoff()
	}

	seq := c.seq.Add(1)
	c.step = s
	h, err := c.tasks.Submit(retry.Task{
		Name: fmt.Sprintf("%s delivery %d", s, c.rec.DeliveryID),
		Tag:  c.rec.Generation,
		Run: func(ctx context.Context) error {
			return c.retryRun(ctx, seq)
		},
		Done: func(err error) {
			c.retryDone(seq, err)
		},
	}, c.maxAttempts, policy)
	if err != nil {
		return fmt.Errorf("submit retry: %w", err)
	}

	c.pending = h
	c.l.Debug("settlement deferred", "step", s)
	return nil
}

func (c *SingleCallback) retryRun(ctx context.Context, seq uint64) error {
	c.mu.Lock()
	if c.seq.Load() != seq || c.resolved {
		c.mu.Unlock()
		return nil
	}

	failed, err := c.executeLocked(ctx, c.step)
	if err != nil && ctx.Err() != nil {
		// Cancelled mid-call; Done decides the outcome.
		c.step = failed
		c.mu.Unlock()
		return err
	}

	var fatal error
	switch outcome := flow.Classify(err); outcome {
	case flow.Success, flow.Stale:
		c.pending = nil
		c.resolveLocked(failed, outcome, nil)
	case flow.TransientFailure:
		c.step = failed
		c.mu.Unlock()
		return err
	default:
		fatal = c.fail(err)
		c.pending = nil
		c.resolveLocked(failed, flow.PermanentFailure, fatal)
	}
	c.mu.Unlock()

	if fatal != nil {
		c.report(fatal)
		return retry.Permanent(fatal)
	}
	return nil
}

func (c *SingleCallback) retryDone(seq uint64, err error) {
	if c.seq.Load() != seq {
		return
	}

	c.mu.Lock()
	if c.seq.Load() != seq || c.resolved {
		c.mu.Unlock()
		return
	}
	c.pending = nil

	var fatal error
	switch {
	case err == nil:
		c.resolveLocked(c.step, flow.Success, nil)
	case errors.Is(err, retry.ErrCancelled):
		c.l.Debug("pending retry cancelled by flow shutdown")
		c.resolveLocked(c.step, flow.Stale, nil)
	default:
		fatal = c.fail(err)
		c.resolveLocked(c.step, flow.PermanentFailure, fatal)
	}
	c.mu.Unlock()

	if fatal != nil {
		c.report(fatal)
	}
}

func (c *SingleCallback) resolveLocked(s step, outcome flow.Outcome, err error) {
	c.resolved = true
	c.outcome = outcome
	c.err = err
	close(c.done)

	obs.IncSettlement(s.String(), outcome.String())
	if outcome == flow.Stale {
		c.l.Debug("settlement skipped, flow generation changed", "step", s)
	}
}

func (c *SingleCallback) fail(err error) error {
	fatal := fmt.Errorf("%w: delivery %d: %w", ErrAcknowledgementFailed, c.rec.DeliveryID, err)
	obs.IncFatal()
	c.l.Error("settlement failed", "status", c.status, "err", err)
	return fatal
}

func (c *SingleCallback) report(err error) {
	if c.onFailure != nil {
		c.onFailure(c.rec, err)
	}
}
