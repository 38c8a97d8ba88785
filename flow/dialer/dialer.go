package dialer

import (
	"fmt"
	"log/slog"

	"github.com/ValerySidorin/settle/flow"
	"github.com/ValerySidorin/settle/flow/impl/amqp091"
	"github.com/ValerySidorin/settle/flow/impl/amqp10"
	"github.com/ValerySidorin/settle/flow/impl/nats"
	"github.com/ValerySidorin/settle/flow/impl/nsq"
	"github.com/ValerySidorin/settle/flow/impl/redis"
	"github.com/ValerySidorin/settle/protocol"
)

type Config struct {
	Protocol      protocol.Protocol `yaml:"protocol"`
	AMQP091       amqp091.Config    `yaml:"amqp091"`
	AMQP10        amqp10.Config     `yaml:"amqp10"`
	NatsJetStream nats.Config       `yaml:"nats_jetstream"`
	RedisStreams  redis.Config      `yaml:"redis_streams"`
	NSQ           nsq.Config        `yaml:"nsq"`
}

func (c *Config) Validate() error {
	var err error
	switch c.Protocol {
	case protocol.AMQP091:
		err = c.AMQP091.Validate()
	case protocol.AMQP10:
		err = c.AMQP10.Validate()
	case protocol.NatsJetStream:
		err = c.NatsJetStream.Validate()
	case protocol.RedisStreams:
		err = c.RedisStreams.Validate()
	case protocol.NSQ:
		err = c.NSQ.Validate()
	default:
		return fmt.Errorf("invalid flow protocol: %q", c.Protocol)
	}
	if err != nil {
		return fmt.Errorf("validate flow config: %s: %w", c.Protocol, err)
	}
	return nil
}

// Name is the consumed queue, used to label metrics and traces.
func (c *Config) Name() string {
	switch c.Protocol {
	case protocol.AMQP091:
		return c.AMQP091.Queue
	case protocol.AMQP10:
		return c.AMQP10.Source
	case protocol.NatsJetStream:
		return c.NatsJetStream.Durable
	case protocol.RedisStreams:
		return c.RedisStreams.Stream
	case protocol.NSQ:
		return c.NSQ.Topic + "/" + c.NSQ.Channel
	}
	return string(c.Protocol)
}

func New(conf Config, l *slog.Logger) (flow.Dialer, error) {
	switch conf.Protocol {
	case protocol.AMQP091:
		return amqp091.NewDialer(conf.AMQP091, l), nil
	case protocol.AMQP10:
		return amqp10.NewDialer(conf.AMQP10, l), nil
	case protocol.NatsJetStream:
		return nats.NewDialer(conf.NatsJetStream, l), nil
	case protocol.RedisStreams:
		return redis.NewDialer(conf.RedisStreams, l), nil
	case protocol.NSQ:
		return nsq.NewDialer(conf.NSQ, l), nil
	}

	return nil, fmt.Errorf("invalid flow protocol: %s", conf.Protocol)
}
