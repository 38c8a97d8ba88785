package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/internal/cerr"
	"github.com/nats-io/nats.go"
)

type Config struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return cerr.ValidationErr("url not defined")
	}
	if c.Subject == "" {
		return cerr.ValidationErr("subject not defined")
	}

	return nil
}

// Forwarder publishes envelopes to a JetStream subject. The envelope id is
// used as the message id so stream deduplication drops repeated forwards.
type Forwarder struct {
	conf Config
	nc   *nats.Conn
	js   nats.JetStreamContext
	l    *slog.Logger
}

func NewForwarder(conf Config, l *slog.Logger) (*Forwarder, error) {
	nc, err := nats.Connect(conf.URL)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}

	return &Forwarder{
		conf: conf,
		nc:   nc,
		js:   js,
		l:    l.With("forwarder_type", "nats_jetstream"),
	}, nil
}

func (f *Forwarder) Forward(ctx context.Context, env errqueue.Envelope) error {
	header := make(nats.Header)
	for k, v := range env.MetaHeaders() {
		header.Set(k, v)
	}

	if _, err := f.js.PublishMsg(&nats.Msg{
		Subject: f.conf.Subject,
		Data:    env.Payload,
		Header:  header,
	}, nats.Context(ctx), nats.MsgId(env.ID)); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

func (f *Forwarder) Close() error {
	f.nc.Close()
	return nil
}
