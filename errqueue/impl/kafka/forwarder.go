package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/internal/cerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type Config struct {
	Brokers                []string      `yaml:"brokers"`
	Topic                  string        `yaml:"topic"`
	Linger                 time.Duration `yaml:"linger"`
	AllowAutoTopicCreation bool          `yaml:"allow_auto_topic_creation"`
}

func (c *Config) Validate() error {
	if len(c.Brokers) <= 0 {
		return cerr.ValidationErr("brokers not defined")
	}
	if c.Topic == "" {
		return cerr.ValidationErr("topic not defined")
	}

	return nil
}

func kgoOpts(conf Config) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(conf.Brokers...),
		kgo.DefaultProduceTopic(conf.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	if conf.AllowAutoTopicCreation {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	if conf.Linger != 0 {
		opts = append(opts, kgo.ProducerLinger(conf.Linger))
	}

	return opts
}

// Forwarder produces envelopes keyed by their original queue so that dead
// letters of one queue keep their order within a partition.
type Forwarder struct {
	conf Config
	c    *kgo.Client
	l    *slog.Logger
}

func NewForwarder(conf Config, l *slog.Logger) (*Forwarder, error) {
	c, err := kgo.NewClient(kgoOpts(conf)...)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}

	return &Forwarder{
		conf: conf,
		c:    c,
		l:    l.With("forwarder_type", "kafka"),
	}, nil
}

func (f *Forwarder) Forward(ctx context.Context, env errqueue.Envelope) error {
	if err := f.c.ProduceSync(ctx, record(f.conf.Topic, env)).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce: %w", err)
	}
	return nil
}

func (f *Forwarder) Close() error {
	f.c.Close()
	return nil
}

func record(topic string, env errqueue.Envelope) *kgo.Record {
	meta := env.MetaHeaders()
	headers := make([]kgo.RecordHeader, 0, len(meta))
	for k, v := range meta {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	return &kgo.Record{
		Topic:     topic,
		Key:       []byte(env.Queue),
		Value:     env.Payload,
		Headers:   headers,
		Timestamp: env.ForwardedAt,
	}
}
