package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/feederdispatch/core/metrics"
	"github.com/kilianp07/feederdispatch/core/runlog"
	"github.com/kilianp07/feederdispatch/infra/mqtt"
	"github.com/kilianp07/feederdispatch/infra/solver"
)

// Config is the service configuration.
type Config struct {
	Dispatch DispatchConfig `json:"dispatch"`
	Solver   solver.Config  `json:"solver"`
	Metrics  metrics.Config `json:"metrics"`
	RunLog   runlog.Config  `json:"runlog"`
	MQTT     mqtt.Config    `json:"mqtt"`
	Batch    BatchConfig    `json:"batch"`
}

// BatchConfig bounds the number of concurrent solves.
type BatchConfig struct {
	Workers int `json:"workers"`
}

func (c *BatchConfig) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
}

func (c BatchConfig) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("batch: workers must be positive, got %d", c.Workers)
	}
	return nil
}

// Default returns a configuration with every section defaulted.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}

func (c *Config) SetDefaults() {
	c.Dispatch.SetDefaults()
	c.Solver.SetDefaults()
	c.RunLog.SetDefaults()
	c.MQTT.SetDefaults()
	c.Batch.SetDefaults()
}

func (c Config) Validate() error {
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if err := c.Solver.Validate(); err != nil {
		return err
	}
	if err := c.RunLog.Validate(); err != nil {
		return err
	}
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	return c.Batch.Validate()
}

// Load reads a yaml or json file, applies K_ prefixed environment
// overrides (K_SOLVER__MAX_CUT_ROUNDS=50), then defaults and validation.
func Load(path string) (*Config, error) {
	k, err := load(path, true)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(path string, withEnv bool) (*koanf.Koanf, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	if !withEnv {
		return k, nil
	}
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	return k, nil
}
