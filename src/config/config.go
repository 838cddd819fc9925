// Package config holds the agent's tunable settings, loadable from a
// YAML file with sane defaults for everything.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config tunes the transfer engine.
type Config struct {
	// BlockSize is the hypervisor's CBT block granularity.
	BlockSize uint64 `yaml:"blockSize"`
	// Parallelism is the number of concurrent transfer workers.
	Parallelism int `yaml:"parallelism"`
	// Retries per extent on transient failures.
	Retries int `yaml:"retries"`
	// RetryBackoff is the base delay between retry attempts.
	RetryBackoff Duration `yaml:"retryBackoff"`
	// ChunkSize caps a single network read request.
	ChunkSize uint64 `yaml:"chunkSize"`
	// Timeout applies per network read/write operation.
	Timeout Duration `yaml:"timeout"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		BlockSize:    64 * 1024,
		Parallelism:  4,
		Retries:      3,
		RetryBackoff: Duration(time.Second),
		ChunkSize:    4 * 1024 * 1024,
		Timeout:      Duration(time.Minute),
	}
}

// Load reads settings from a YAML file layered over the defaults. An
// empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.BlockSize == 0 || cfg.Parallelism <= 0 {
		return cfg, fmt.Errorf("config: blockSize and parallelism must be positive")
	}
	return cfg, nil
}
