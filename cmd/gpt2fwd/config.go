package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/gpt2fwd/internal/model"
)

// seams for tests
var (
	userConfigDir = os.UserConfigDir
	userCacheDir  = os.UserCacheDir
)

// Config represents the gpt2fwd configuration file
// (~/.config/gpt2fwd/config.yaml). Pointer fields distinguish "not set" from
// zero values.
type Config struct {
	Checkpoint    *string `yaml:"checkpoint"`
	CacheDir      *string `yaml:"cache_dir"`
	Seed          *int64  `yaml:"seed"`
	LogLevel      *string `yaml:"log_level"`
	LogFormat     *string `yaml:"log_format"`
	ServerAddress *string `yaml:"server_address"`

	// Model overrides individual architecture constants of GPT-2 small.
	Model *yaml.Node `yaml:"model"`

	loaded bool
}

func configPath() string {
	dir, err := userConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gpt2fwd", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// file that exists but does not parse is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.loaded = true
	return cfg, nil
}

// ModelConfig returns GPT-2 small with the file's model block applied.
func (c Config) ModelConfig() (model.Config, error) {
	cfg := model.GPT2Small()
	if c.Model != nil {
		if err := c.Model.Decode(&cfg); err != nil {
			return model.Config{}, fmt.Errorf("config model block: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// applyLogConfig applies config file defaults to the logging flags when the
// corresponding CLI flag was not explicitly set.
func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != nil && !c.IsSet("log-level") {
		logLevel = *cfg.LogLevel
	}
	if cfg.LogFormat != nil && !c.IsSet("log-format") {
		logFormat = *cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the model flags.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Checkpoint != nil && !c.IsSet("checkpoint") {
		checkpointPath = *cfg.Checkpoint
	}
	if cfg.CacheDir != nil && !c.IsSet("cache-dir") {
		cacheDir = *cfg.CacheDir
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != nil && !c.IsSet("addr") {
		*addr = *cfg.ServerAddress
	}
}
