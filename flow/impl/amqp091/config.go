package amqp091

import (
	"time"

	"github.com/ValerySidorin/settle/internal/cerr"
)

type Config struct {
	URL       string         `yaml:"url"`
	Queue     string         `yaml:"queue"`
	Consumer  string         `yaml:"consumer"`
	Prefetch  int            `yaml:"prefetch"`
	Exclusive bool           `yaml:"exclusive"`
	Heartbeat time.Duration  `yaml:"heartbeat"`
	Args      map[string]any `yaml:"args"`
}

func (c *Config) SetDefaults() {
	if c.Prefetch <= 0 {
		c.Prefetch = 64
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return cerr.ValidationErr("url not defined")
	}
	if c.Queue == "" {
		return cerr.ValidationErr("queue not defined")
	}

	return nil
}
