package forwarder

import (
	"fmt"
	"log/slog"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/errqueue/impl/amqp091"
	"github.com/ValerySidorin/settle/errqueue/impl/kafka"
	"github.com/ValerySidorin/settle/errqueue/impl/mqtt"
	"github.com/ValerySidorin/settle/errqueue/impl/nats"
	"github.com/ValerySidorin/settle/errqueue/impl/redis"
	"github.com/ValerySidorin/settle/protocol"
)

type Config struct {
	Protocol      protocol.Protocol `yaml:"protocol"`
	AMQP091       amqp091.Config    `yaml:"amqp091"`
	NatsJetStream nats.Config       `yaml:"nats_jetstream"`
	Kafka         kafka.Config      `yaml:"kafka"`
	RedisStreams  redis.Config      `yaml:"redis_streams"`
	MQTT          mqtt.Config       `yaml:"mqtt"`
}

func (c *Config) Validate() error {
	var err error
	switch c.Protocol {
	case protocol.AMQP091:
		err = c.AMQP091.Validate()
	case protocol.NatsJetStream:
		err = c.NatsJetStream.Validate()
	case protocol.Kafka:
		err = c.Kafka.Validate()
	case protocol.RedisStreams:
		err = c.RedisStreams.Validate()
	case protocol.MQTT:
		err = c.MQTT.Validate()
	default:
		return fmt.Errorf("invalid error queue protocol: %q", c.Protocol)
	}
	if err != nil {
		return fmt.Errorf("validate error queue config: %s: %w", c.Protocol, err)
	}
	return nil
}

func New(conf Config, l *slog.Logger) (errqueue.Forwarder, error) {
	switch conf.Protocol {
	case protocol.AMQP091:
		return amqp091.NewForwarder(conf.AMQP091, l)
	case protocol.NatsJetStream:
		return nats.NewForwarder(conf.NatsJetStream, l)
	case protocol.Kafka:
		return kafka.NewForwarder(conf.Kafka, l)
	case protocol.RedisStreams:
		return redis.NewForwarder(conf.RedisStreams, l)
	case protocol.MQTT:
		return mqtt.NewForwarder(conf.MQTT, l)
	}

	return nil, fmt.Errorf("invalid error queue protocol: %s", conf.Protocol)
}
