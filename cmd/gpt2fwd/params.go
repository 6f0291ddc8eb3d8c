package main

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/gpt2fwd/internal/checkpoint"
	"github.com/samcharles93/gpt2fwd/internal/logger"
	"github.com/samcharles93/gpt2fwd/internal/model"
)

// loadParameters returns the checkpoint named by --checkpoint, or random
// weights for the configured architecture when no checkpoint is given.
func loadParameters(ctx context.Context) (*model.ModelParameters, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	if checkpointPath != "" {
		path, err := checkpoint.Fetch(ctx, checkpointPath, cacheDir)
		if err != nil {
			return nil, fmt.Errorf("fetch checkpoint: %w", err)
		}
		params, err := checkpoint.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		cfg := params.Config()
		log.Info("checkpoint loaded",
			"path", path,
			"blocks", cfg.NumBlocks,
			"embedding_dim", cfg.EmbeddingDim,
			"parameters", cfg.ParameterCount(),
			"duration", time.Since(start),
		)
		return params, nil
	}

	cfg, err := fileConfig.ModelConfig()
	if err != nil {
		return nil, err
	}
	params, err := model.NewRandomParameters(cfg, seed)
	if err != nil {
		return nil, fmt.Errorf("initialize parameters: %w", err)
	}
	log.Info("random parameters initialized",
		"seed", seed,
		"blocks", cfg.NumBlocks,
		"parameters", cfg.ParameterCount(),
		"duration", time.Since(start),
	)
	return params, nil
}
