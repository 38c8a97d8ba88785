package amqp10

import (
	"time"

	"github.com/ValerySidorin/settle/internal/cerr"
)

type Config struct {
	Addr         string        `yaml:"addr"`
	ContainerID  string        `yaml:"container_id"`
	HostName     string        `yaml:"host_name"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxFrameSize uint32        `yaml:"max_frame_size"`
	Source       string        `yaml:"source"`
	Name         string        `yaml:"name"`
	Credit       int32         `yaml:"credit"`
}

func (c *Config) SetDefaults() {
	if c.Credit <= 0 {
		c.Credit = 64
	}
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return cerr.ValidationErr("addr not defined")
	}
	if c.Source == "" {
		return cerr.ValidationErr("source not defined")
	}

	return nil
}
