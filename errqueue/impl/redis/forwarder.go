package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/internal/cerr"
	"github.com/redis/rueidis"
)

type Config struct {
	InitAddress  []string `yaml:"init_address"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	DisableCache bool     `yaml:"disable_cache"`
	Stream       string   `yaml:"stream"`
	MaxLen       int64    `yaml:"max_len"`
}

func (c *Config) Validate() error {
	if len(c.InitAddress) == 0 {
		return cerr.ValidationErr("init address not defined")
	}
	if c.Stream == "" {
		return cerr.ValidationErr("stream not defined")
	}

	return nil
}

// Forwarder appends envelopes to a stream. Each entry carries the raw payload
// under "msg" and the encoded envelope under "envelope".
type Forwarder struct {
	conf   Config
	client rueidis.Client
	l      *slog.Logger
}

func NewForwarder(conf Config, l *slog.Logger) (*Forwarder, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  conf.InitAddress,
		Username:     conf.Username,
		Password:     conf.Password,
		DisableCache: conf.DisableCache,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: new client: %w", err)
	}

	return &Forwarder{
		conf:   conf,
		client: client,
		l:      l.With("forwarder_type", "redis_streams"),
	}, nil
}

func (f *Forwarder) Forward(ctx context.Context, env errqueue.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("redis: marshal envelope: %w", err)
	}

	var cmd rueidis.Completed
	if f.conf.MaxLen > 0 {
		cmd = f.client.B().Xadd().Key(f.conf.Stream).
			Maxlen().Almost().Threshold(fmt.Sprint(f.conf.MaxLen)).
			Id("*").FieldValue().
			FieldValue("msg", string(env.Payload)).
			FieldValue("envelope", string(data)).
			Build()
	} else {
		cmd = f.client.B().Xadd().Key(f.conf.Stream).
			Id("*").FieldValue().
			FieldValue("msg", string(env.Payload)).
			FieldValue("envelope", string(data)).
			Build()
	}

	if err := f.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis: xadd: %w", err)
	}
	return nil
}

func (f *Forwarder) Close() error {
	f.client.Close()
	return nil
}
