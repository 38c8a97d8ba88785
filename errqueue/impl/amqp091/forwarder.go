package amqp091

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/internal/cerr"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrNacked = errors.New("amqp091: publish nacked by broker")

type Config struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	Mandatory  bool   `yaml:"mandatory"`
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return cerr.ValidationErr("url not defined")
	}
	if c.Exchange == "" && c.RoutingKey == "" {
		return cerr.ValidationErr("exchange or routing key required")
	}

	return nil
}

// Forwarder publishes envelopes with publisher confirms. A Forward returns only
// after the broker confirmed the message.
type Forwarder struct {
	conf Config

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	l *slog.Logger
}

func NewForwarder(conf Config, l *slog.Logger) (*Forwarder, error) {
	f := &Forwarder{
		conf: conf,
		l:    l.With("forwarder_type", "amqp091"),
	}
	if err := f.connect(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Forwarder) connect() error {
	conn, err := amqp.Dial(f.conf.URL)
	if err != nil {
		return fmt.Errorf("amqp091: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp091: open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp091: confirm mode: %w", err)
	}

	f.conn, f.ch = conn, ch
	return nil
}

func (f *Forwarder) Forward(ctx context.Context, env errqueue.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ch == nil || f.ch.IsClosed() {
		if f.conn != nil {
			_ = f.conn.Close()
		}
		if err := f.connect(); err != nil {
			return err
		}
		f.l.Info("reconnected")
	}

	headers := make(amqp.Table)
	for k, v := range env.MetaHeaders() {
		headers[k] = v
	}

	dc, err := f.ch.PublishWithDeferredConfirmWithContext(ctx,
		f.conf.Exchange, f.conf.RoutingKey, f.conf.Mandatory, false,
		amqp.Publishing{
			Headers:      headers,
			ContentType:  "application/octet-stream",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			Timestamp:    env.ForwardedAt,
			Body:         env.Payload,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp091: publish: %w", err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp091: wait confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}
	if err := f.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("amqp091: close: %w", err)
	}
	return nil
}
