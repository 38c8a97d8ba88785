package nats

import (
	"time"

	"github.com/ValerySidorin/settle/internal/cerr"
)

type Config struct {
	URL        string        `yaml:"url"`
	Name       string        `yaml:"name"`
	Stream     string        `yaml:"stream"`
	Subject    string        `yaml:"subject"`
	Durable    string        `yaml:"durable"`
	FetchBatch int           `yaml:"fetch_batch"`
	FetchWait  time.Duration `yaml:"fetch_wait"`
	AckWait    time.Duration `yaml:"ack_wait"`
	MaxDeliver int           `yaml:"max_deliver"`
}

func (c *Config) SetDefaults() {
	if c.FetchBatch <= 0 {
		c.FetchBatch = 16
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return cerr.ValidationErr("url not defined")
	}
	if c.Subject == "" {
		return cerr.ValidationErr("subject not defined")
	}
	if c.Durable == "" {
		return cerr.ValidationErr("durable not defined")
	}

	return nil
}
