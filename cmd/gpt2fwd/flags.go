package main

import (
	"path/filepath"

	"github.com/urfave/cli/v3"
)

var (
	configFile     string
	fileConfig     Config
	checkpointPath string
	cacheDir       string
	seed           int64
	logLevel       string
	logFormat      string
	debug          bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"ckpt"},
			Usage:       "safetensors checkpoint path or gs://bucket/object (default: random weights)",
			Destination: &checkpointPath,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for random weights and random tokens",
			Value:       42,
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "directory for downloaded checkpoints",
			Value:       defaultCacheDir(),
			Destination: &cacheDir,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func defaultCacheDir() string {
	dir, err := userCacheDir()
	if err != nil {
		return filepath.Join(".", ".cache", "gpt2fwd")
	}
	return filepath.Join(dir, "gpt2fwd")
}
