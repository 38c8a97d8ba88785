package consumer

import (
	"time"

	"github.com/ValerySidorin/settle/ack"
	"github.com/ValerySidorin/settle/internal/cerr"
)

type Config struct {
	// Concurrency is the number of handlers running at once.
	Concurrency int `yaml:"concurrency"`
	// BatchSize switches RunBatch to batches of up to this many records.
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	// OnError is the status used for auto-ack when the handler fails.
	OnError    string        `yaml:"on_error"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
	// ReleaseTimeout bounds waiting for running handlers on shutdown.
	ReleaseTimeout time.Duration `yaml:"release_timeout"`
}

func (c *Config) SetDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	if c.OnError == "" {
		c.OnError = "reject"
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 5 * time.Second
	}
}

func (c *Config) Validate() error {
	if _, err := ack.ParseStatus(c.OnError); err != nil {
		return cerr.ValidationErr("on_error: " + err.Error())
	}
	return nil
}

func (c *Config) onError() ack.Status {
	s, err := ack.ParseStatus(c.OnError)
	if err != nil {
		return ack.Reject
	}
	return s
}
