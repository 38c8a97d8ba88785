package protocol

type Protocol string

const (
	AMQP091       Protocol = "amqp091"
	AMQP10        Protocol = "amqp10"
	NatsJetStream Protocol = "nats_jetstream"
	RedisStreams  Protocol = "redis_streams"
	NSQ           Protocol = "nsq"
	Kafka         Protocol = "kafka"
	MQTT          Protocol = "mqtt"
)
