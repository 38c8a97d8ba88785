package redis

import (
	"time"

	"github.com/ValerySidorin/settle/internal/cerr"
)

type Config struct {
	InitAddress  []string      `yaml:"init_address"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DisableCache bool          `yaml:"disable_cache"`
	Stream       string        `yaml:"stream"`
	Block        time.Duration `yaml:"block"`
	Count        int64         `yaml:"count"`
	Group        struct {
		Name     string `yaml:"name"`
		Consumer string `yaml:"consumer"`
		CreateId string `yaml:"create_id"`
	} `yaml:"group"`
}

func (c *Config) SetDefaults() {
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.Count <= 0 {
		c.Count = 16
	}
	if c.Group.CreateId == "" {
		c.Group.CreateId = "$"
	}
}

func (c *Config) Validate() error {
	if len(c.InitAddress) == 0 {
		return cerr.ValidationErr("init address not defined")
	}
	if c.Stream == "" {
		return cerr.ValidationErr("stream not defined")
	}
	if c.Group.Name == "" || c.Group.Consumer == "" {
		return cerr.ValidationErr("group name and consumer are required")
	}

	return nil
}
