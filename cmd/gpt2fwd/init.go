package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gpt2fwd/internal/checkpoint"
	"github.com/samcharles93/gpt2fwd/internal/logger"
	"github.com/samcharles93/gpt2fwd/internal/model"
)

func initCmd() *cli.Command {
	var (
		out      string
		initSeed int64
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Write a randomly initialized checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path",
				Destination: &out,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for the random weights",
				Value:       42,
				Destination: &initSeed,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if out == "" {
				return errors.New("init: --out is required")
			}
			if fileConfig.Seed != nil && !c.IsSet("seed") {
				initSeed = *fileConfig.Seed
			}
			log := logger.FromContext(ctx)

			cfg, err := fileConfig.ModelConfig()
			if err != nil {
				return err
			}
			start := time.Now()
			params, err := model.NewRandomParameters(cfg, initSeed)
			if err != nil {
				return fmt.Errorf("initialize parameters: %w", err)
			}
			defer params.Release()

			if err := checkpoint.Save(out, params); err != nil {
				return err
			}
			log.Info("checkpoint written",
				"path", out,
				"seed", initSeed,
				"parameters", cfg.ParameterCount(),
				"duration", time.Since(start),
			)
			return nil
		},
	}
}
