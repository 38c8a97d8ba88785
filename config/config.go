package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/ValerySidorin/settle/consumer"
	"github.com/ValerySidorin/settle/errqueue"
	"github.com/ValerySidorin/settle/errqueue/forwarder"
	"github.com/ValerySidorin/settle/flow"
	"github.com/ValerySidorin/settle/flow/dialer"
	"github.com/ValerySidorin/settle/internal/cerr"
	"github.com/ValerySidorin/settle/internal/observability"
	"github.com/ValerySidorin/settle/retry"
	"gopkg.in/yaml.v3"
)

var DefaultPaths = []string{"./config.yaml", "conf/config.yaml", "config/config.yaml"}

type Config struct {
	Log           LogConfig            `yaml:"log"`
	Admin         AdminConfig          `yaml:"admin"`
	Observability observability.Config `yaml:"observability"`
	Flow          FlowConfig           `yaml:"flow"`
	Ack           AckConfig            `yaml:"ack"`
	Retry         retry.Config         `yaml:"retry"`
	ErrorQueue    ErrorQueueConfig     `yaml:"error_queue"`
	Consumer      consumer.Config      `yaml:"consumer"`
	Health        HealthConfig         `yaml:"health"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Type  string `yaml:"type"`
}

type AdminConfig struct {
	Disabled bool   `yaml:"disabled"`
	Addr     string `yaml:"addr"`
}

type FlowConfig struct {
	Container flow.ContainerConfig `yaml:"container"`
	Dialer    dialer.Config        `yaml:"dialer"`
}

type AckConfig struct {
	// TemporaryQueue marks the consumed queue as non-durable, so requeue is
	// impossible.
	TemporaryQueue bool `yaml:"temporary_queue"`
	MaxAttempts    int  `yaml:"max_attempts"`
}

type ErrorQueueConfig struct {
	Enabled         bool `yaml:"enabled"`
	errqueue.Config `yaml:",inline"`
	Forwarder       forwarder.Config `yaml:"forwarder"`
}

type HealthConfig struct {
	// MaxFatal is the number of failed acknowledgements after which the
	// service reports unhealthy. Zero disables the check.
	MaxFatal int `yaml:"max_fatal"`
}

func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	if c.Log.Type != "json" && c.Log.Type != "text" {
		c.Log.Type = "text"
	}

	if c.Admin.Addr == "" {
		c.Admin.Addr = ":9090"
	}

	c.Observability.SetDefaults()
	c.Flow.Container.SetDefaults()
	c.Retry.SetDefaults()
	c.Consumer.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("validate observability config: %w", err)
	}
	if err := c.Flow.Dialer.Validate(); err != nil {
		return err
	}
	if c.ErrorQueue.Enabled {
		if err := c.ErrorQueue.Forwarder.Validate(); err != nil {
			return err
		}
	}
	if err := c.Consumer.Validate(); err != nil {
		return fmt.Errorf("validate consumer config: %w", err)
	}
	if c.Ack.MaxAttempts < 0 {
		return cerr.ValidationErr("ack.max_attempts must not be negative")
	}
	if c.Health.MaxFatal < 0 {
		return cerr.ValidationErr("health.max_fatal must not be negative")
	}
	return nil
}

// Load reads the config from filePath, or from the first of DefaultPaths
// that exists. Defaults are applied and the result is validated.
func Load(filePath string) (Config, string, error) {
	paths := DefaultPaths
	if filePath != "" {
		paths = []string{filePath}
	}

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, "", fmt.Errorf("open config: %w", err)
		}

		cfg, err := Parse(f)
		f.Close()
		if err != nil {
			return Config{}, "", fmt.Errorf("%s: %w", p, err)
		}
		return cfg, p, nil
	}

	return Config{}, "", fmt.Errorf("failed to find config in: %s", strings.Join(paths, ", "))
}

func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
