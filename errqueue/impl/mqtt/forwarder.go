package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/internal/cerr"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrConnectTimeout = errors.New("mqtt: connect timeout")

type Config struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	DisconnectWait time.Duration `yaml:"disconnect_wait"`
}

func (c *Config) SetDefaults() {
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.DisconnectWait <= 0 {
		c.DisconnectWait = 250 * time.Millisecond
	}
}

func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return cerr.ValidationErr("broker url not defined")
	}
	if c.Topic == "" {
		return cerr.ValidationErr("topic not defined")
	}
	if c.QoS > 2 {
		return cerr.ValidationErr("qos must be 0, 1 or 2")
	}

	return nil
}

// Forwarder publishes the encoded envelope, since MQTT 3.1.1 messages have no
// headers.
type Forwarder struct {
	conf   Config
	client mqtt.Client
	l      *slog.Logger
}

func NewForwarder(conf Config, l *slog.Logger) (*Forwarder, error) {
	conf.SetDefaults()
	l = l.With("forwarder_type", "mqtt")

	opts := mqtt.NewClientOptions().
		AddBroker(conf.BrokerURL).
		SetClientID(conf.ClientID).
		SetUsername(conf.Username).
		SetPassword(conf.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(conf.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			l.Warn("connection lost", "err", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(conf.ConnectTimeout) {
		return nil, ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}

	return &Forwarder{
		conf:   conf,
		client: client,
		l:      l,
	}, nil
}

func (f *Forwarder) Forward(ctx context.Context, env errqueue.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("mqtt: marshal envelope: %w", err)
	}

	token := f.client.Publish(f.conf.Topic, f.conf.QoS, f.conf.Retain, data)
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt: publish: %w", ctx.Err())
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	return nil
}

func (f *Forwarder) Close() error {
	f.client.Disconnect(uint(f.conf.DisconnectWait.Milliseconds()))
	return nil
}
