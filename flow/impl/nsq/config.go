package nsq

import (
	"time"

	"github.com/ValerySidorin/settle/internal/cerr"
)

type Config struct {
	NSQDAddresses    []string      `yaml:"nsqd_addresses"`
	LookupdAddresses []string      `yaml:"lookupd_addresses"`
	Topic            string        `yaml:"topic"`
	Channel          string        `yaml:"channel"`
	MaxInFlight      int           `yaml:"max_in_flight"`
	RequeueDelay     time.Duration `yaml:"requeue_delay"`
}

func (c *Config) SetDefaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	if c.RequeueDelay == 0 {
		c.RequeueDelay = -1
	}
}

func (c *Config) Validate() error {
	if len(c.NSQDAddresses) == 0 && len(c.LookupdAddresses) == 0 {
		return cerr.ValidationErr("nsqd or lookupd addresses required")
	}
	if c.Topic == "" {
		return cerr.ValidationErr("topic not defined")
	}
	if c.Channel == "" {
		return cerr.ValidationErr("channel not defined")
	}

	return nil
}
