package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ValerySidorin/settle/ack"
	"github.com/ValerySidorin/settle/config"
	"github.com/ValerySidorin/settle/consumer"
	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/errqueue/forwarder"
	"github.com/ValerySidorin/settle/flow"
	"github.com/ValerySidorin/settle/flow/dialer"
	flowobs "github.com/ValerySidorin/settle/internal/flows/observability"
	obs "github.com/ValerySidorin/settle/internal/observability"
	"github.com/ValerySidorin/settle/retry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

// Service wires a receive flow, the settlement machinery and the admin
// endpoints into one consumer process.
type Service struct {
	conf config.Config

	container *flow.Container
	tasks     *retry.Service
	errQueue  *errqueue.Infra
	factory   *ack.Factory
	consumer  *consumer.Consumer
	health    *health
	admin     *http.Server

	shutdownObs func(context.Context) error

	l *slog.Logger
}

func New(ctx context.Context, conf config.Config, l *slog.Logger) (*Service, error) {
	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		conf:   conf,
		health: &health{maxFatal: int64(conf.Health.MaxFatal)},
		l:      l,
	}

	shutdownObs, err := obs.Init(ctx, conf.Observability, l)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	s.shutdownObs = shutdownObs

	d, err := dialer.New(conf.Flow.Dialer, l)
	if err != nil {
		return nil, fmt.Errorf("new dialer: %w", err)
	}
	name := conf.Flow.Dialer.Name()
	s.container = flow.NewContainer(conf.Flow.Container, d, l)

	s.tasks, err = retry.NewService(conf.Retry, l)
	if err != nil {
		return nil, fmt.Errorf("new retry service: %w", err)
	}

	opts := []ack.Option{
		ack.WithTemporaryQueue(conf.Ack.TemporaryQueue),
		ack.WithMaxAttempts(conf.Ack.MaxAttempts),
		ack.WithBackoff(conf.Retry.Backoff),
		ack.WithFailureHandler(func(rec flow.Record, err error) {
			s.health.fail()
			l.Error("deferred settlement failed", "delivery_id", rec.DeliveryID, "queue", rec.Queue, "err", err)
		}),
	}

	if conf.ErrorQueue.Enabled {
		fw, err := forwarder.New(conf.ErrorQueue.Forwarder, l)
		if err != nil {
			_ = s.tasks.Close(ctx)
			return nil, fmt.Errorf("new error queue forwarder: %w", err)
		}
		fw = flowobs.WrapMetricsForwarderIfEnabled(fw, name)
		fw = flowobs.WrapOtelForwarderIfEnabled(fw, name)
		s.errQueue = errqueue.New(conf.ErrorQueue.Config, fw, l)
		opts = append(opts, ack.WithErrorQueue(s.errQueue))
	}

	var receiver flow.Receiver = s.container
	receiver = flowobs.WrapMetricsReceiverIfEnabled(receiver, name)
	receiver = flowobs.WrapOtelReceiverIfEnabled(receiver, name)
	s.factory = ack.NewFactory(receiver, s.tasks, l, opts...)

	s.consumer, err = consumer.New(conf.Consumer, s.container, s.factory, l,
		consumer.WithAckErrorHandler(func(error) { s.health.fail() }))
	if err != nil {
		_ = s.tasks.Close(ctx)
		return nil, fmt.Errorf("new consumer: %w", err)
	}

	if !conf.Admin.Disabled {
		s.admin = &http.Server{
			Addr:              conf.Admin.Addr,
			Handler:           s.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return s, nil
}

// Factory exposes the callback factory, e.g. to swap the error queue at
// runtime.
func (s *Service) Factory() *ack.Factory {
	return s.factory
}

// Router serves the admin endpoints.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(s.conf.Observability.Metrics.Path, obs.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := healthStatus{Status: "ok", Fatal: s.health.fatal.Load()}
		if !s.health.healthy() {
			st.Status = "unhealthy"
			writeStatus(w, http.StatusServiceUnavailable, st)
			return
		}
		writeStatus(w, http.StatusOK, st)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		st := healthStatus{Status: "ready", Generation: s.container.CurrentGeneration()}
		if st.Generation == 0 {
			st.Status = "connecting"
			writeStatus(w, http.StatusServiceUnavailable, st)
			return
		}
		writeStatus(w, http.StatusOK, st)
	})

	return r
}

// Run consumes with h until ctx is done or the flow closes.
func (s *Service) Run(ctx context.Context, h consumer.Handler) error {
	return s.run(ctx, func(ctx context.Context) error {
		return s.consumer.Run(ctx, h)
	})
}

// RunBatch consumes batches with h until ctx is done or the flow closes.
func (s *Service) RunBatch(ctx context.Context, h consumer.BatchHandler) error {
	return s.run(ctx, func(ctx context.Context) error {
		return s.consumer.RunBatch(ctx, h)
	})
}

func (s *Service) run(ctx context.Context, consume func(context.Context) error) error {
	s.l.Info("starting settle consumer", "protocol", s.conf.Flow.Dialer.Protocol, "flow", s.conf.Flow.Dialer.Name())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, eCtx := errgroup.WithContext(ctx)
	if s.admin != nil {
		eg.Go(func() error {
			return s.serveAdmin(eCtx)
		})
	}
	eg.Go(func() error {
		defer cancel()
		if err := s.container.Connect(eCtx); err != nil {
			return fmt.Errorf("connect flow: %w", err)
		}
		return consume(eCtx)
	})

	return eg.Wait()
}

func (s *Service) serveAdmin(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.l.Info("admin server listening", "addr", s.admin.Addr)
		errCh <- s.admin.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin listen and serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.admin.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen and serve: %w", err)
	}
	return nil
}

// Close shuts the flow down, abandons pending retries and releases
// resources.
func (s *Service) Close(ctx context.Context) error {
	var errs []error

	if err := s.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	s.container.Close()
	if err := s.tasks.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close retry service: %w", err))
	}
	if s.errQueue != nil {
		if err := s.errQueue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close error queue: %w", err))
		}
	}
	if err := s.shutdownObs(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown observability: %w", err))
	}

	return errors.Join(errs...)
}
