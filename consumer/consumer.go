package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ValerySidorin/settle/ack"
	"github.com/ValerySidorin/settle/flow"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

// Source hands out delivered records. flow.Container implements it.
type Source interface {
	Receive(ctx context.Context) (flow.Record, error)
}

// Handler processes one record. If it neither acknowledges cb nor calls
// cb.NoAutoAck, the record is accepted on success and settled with the
// configured error status on failure.
type Handler func(ctx context.Context, rec flow.Record, cb ack.Callback) error

// Batch is a group of records settled together.
type Batch struct {
	Records []flow.Record
	// Members lets the handler set a status per record. The batch status
	// only ever makes a member more severe.
	Members  []*ack.BatchMemberCallback
	Callback *ack.BatchCallback
}

type BatchHandler func(ctx context.Context, b *Batch) error

type Option func(*Consumer)

// WithAckErrorHandler registers fn for auto-ack failures returned
// synchronously by Acknowledge.
func WithAckErrorHandler(fn func(err error)) Option {
	return func(c *Consumer) {
		c.onAckErr = fn
	}
}

type Consumer struct {
	conf     Config
	src      Source
	factory  *ack.Factory
	pool     *ants.Pool
	onAckErr func(error)

	l *slog.Logger
}

func New(conf Config, src Source, factory *ack.Factory, l *slog.Logger, opts ...Option) (*Consumer, error) {
	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("validate consumer config: %w", err)
	}
	l = l.With("component", "consumer")

	pool, err := ants.NewPool(conf.Concurrency, ants.WithPanicHandler(func(p any) {
		l.Error("handler pool panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	c := &Consumer{
		conf:    conf,
		src:     src,
		factory: factory,
		pool:    pool,
		l:       l,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run receives records until ctx is done and dispatches each one to h on the
// worker pool. It waits for running handlers before returning.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		rec, err := c.src.Receive(ctx)
		if err != nil {
			return c.receiveErr(ctx, err)
		}

		cb := c.factory.CreateCallback(rec)
		wg.Add(1)
		if err := c.pool.Submit(func() {
			defer wg.Done()
			herr := c.call(func() error { return h(ctx, rec, cb) })
			c.autoAck(ctx, cb, herr)
		}); err != nil {
			wg.Done()
			c.autoAck(ctx, cb, err)
			return fmt.Errorf("submit handler: %w", err)
		}
	}
}

// RunBatch groups records into batches of up to BatchSize, flushing a
// partial batch after BatchTimeout, and dispatches them to h.
func (c *Consumer) RunBatch(ctx context.Context, h BatchHandler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	records := make(chan flow.Record)
	eg, eCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(records)
		for {
			rec, err := c.src.Receive(eCtx)
			if err != nil {
				return c.receiveErr(eCtx, err)
			}
			select {
			case records <- rec:
			case <-eCtx.Done():
				// Not dispatched; the broker redelivers it.
				return nil
			}
		}
	})

	eg.Go(func() error {
		var (
			buf   []flow.Record
			timer = time.NewTimer(c.conf.BatchTimeout)
		)
		defer timer.Stop()

		flush := func() error {
			if len(buf) == 0 {
				return nil
			}
			recs := buf
			buf = nil
			return c.dispatchBatch(ctx, &wg, recs, h)
		}

		for {
			select {
			case rec, ok := <-records:
				if !ok {
					return flush()
				}
				if len(buf) == 0 {
					timer.Reset(c.conf.BatchTimeout)
				}
				buf = append(buf, rec)
				if len(buf) >= c.conf.BatchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			case <-timer.C:
				if err := flush(); err != nil {
					return err
				}
			}
		}
	})

	return eg.Wait()
}

// Close releases the worker pool.
func (c *Consumer) Close() error {
	if err := c.pool.ReleaseTimeout(c.conf.ReleaseTimeout); err != nil {
		return fmt.Errorf("release pool: %w", err)
	}
	return nil
}

func (c *Consumer) dispatchBatch(ctx context.Context, wg *sync.WaitGroup, recs []flow.Record, h BatchHandler) error {
	members := c.factory.CreateBatchMessageCallbacks(recs)
	cbs := make([]ack.Callback, len(members))
	for i, m := range members {
		cbs[i] = m
	}
	bcb, err := c.factory.CreateBatchCallbackFromCallbacks(cbs)
	if err != nil {
		return fmt.Errorf("create batch callback: %w", err)
	}

	b := &Batch{Records: recs, Members: members, Callback: bcb}
	wg.Add(1)
	if err := c.pool.Submit(func() {
		defer wg.Done()
		herr := c.call(func() error { return h(ctx, b) })
		c.autoAck(ctx, bcb, herr)
	}); err != nil {
		wg.Done()
		c.autoAck(ctx, bcb, err)
		return fmt.Errorf("submit batch handler: %w", err)
	}
	return nil
}

func (c *Consumer) call(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return fn()
}

// autoAck settles cb unless the handler took over. Settlement outlives ctx so
// that in-flight records are still resolved during shutdown.
func (c *Consumer) autoAck(ctx context.Context, cb ack.Callback, herr error) {
	if !cb.IsAutoAck() || cb.IsAcknowledged() {
		return
	}

	status := ack.Accept
	if herr != nil {
		status = c.conf.onError()
		c.l.Warn("handler failed", "status", status, "err", herr)
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.conf.AckTimeout)
	defer cancel()
	if err := cb.Acknowledge(actx, status); err != nil {
		c.l.Error("auto ack", "status", status, "err", err)
		if c.onAckErr != nil {
			c.onAckErr(err)
		}
	}
}

func (c *Consumer) receiveErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, flow.ErrClosed) {
		c.l.Info("flow closed, consumer stopping")
		return nil
	}
	return fmt.Errorf("receive: %w", err)
}
