package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gpt2fwd/internal/logger"
	"github.com/samcharles93/gpt2fwd/internal/logits"
	"github.com/samcharles93/gpt2fwd/internal/model"
)

func runCmd() *cli.Command {
	var (
		tokenList    string
		randomCount  int64
		pastLength   int64
		topK         int64
		printSummary bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run one forward pass and print the predicted next token",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "tokens",
				Aliases:     []string{"t"},
				Usage:       "comma separated token ids",
				Destination: &tokenList,
			},
			&cli.Int64Flag{
				Name:        "random-tokens",
				Aliases:     []string{"n"},
				Usage:       "number of random token ids to use when --tokens is empty",
				Value:       16,
				Destination: &randomCount,
			},
			&cli.Int64Flag{
				Name:        "past-length",
				Usage:       "position of the first token",
				Destination: &pastLength,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Aliases:     []string{"k"},
				Usage:       "number of ranked candidates to print",
				Value:       5,
				Destination: &topK,
			},
			&cli.BoolFlag{
				Name:        "summary",
				Usage:       "print the model configuration before running",
				Destination: &printSummary,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyModelConfig(c, fileConfig)
			log := logger.FromContext(ctx)

			params, err := loadParameters(ctx)
			if err != nil {
				return err
			}
			defer params.Release()

			m, err := model.New(params, model.WithLogger(log))
			if err != nil {
				return err
			}
			cfg := m.Config()
			if printSummary {
				printConfig(cfg)
			}

			var tokens []int
			switch {
			case tokenList != "":
				if tokens, err = parseTokens(tokenList); err != nil {
					return err
				}
			case randomCount > 0:
				tokens = randomTokens(int(randomCount), cfg.VocabSize, seed)
			default:
				return errors.New("run: --tokens or a positive --random-tokens is required")
			}
			log.Debug("input tokens", "tokens", tokens)

			start := time.Now()
			out, err := m.ForwardAt(tokens, int(pastLength))
			if err != nil {
				return fmt.Errorf("forward: %w", err)
			}
			elapsed := time.Since(start)

			fmt.Printf("Predicted next token ID: %d\n", logits.Argmax(out))
			for i, cand := range logits.TopK(out, int(topK)) {
				fmt.Printf("  %2d. token %6d  logit %+.6f\n", i+1, cand.Token, cand.Logit)
			}
			fmt.Printf("Prediction completed in %.4f seconds.\n", elapsed.Seconds())
			return nil
		},
	}
}

func printConfig(cfg model.Config) {
	fmt.Printf("blocks=%d heads=%d embedding_dim=%d head_dim=%d hidden_dim=%d vocab=%d max_positions=%d causal=%v parameters=%d\n",
		cfg.NumBlocks, cfg.NumHeads, cfg.EmbeddingDim, cfg.HeadDim(), cfg.HiddenDim(),
		cfg.VocabSize, cfg.MaxPositionEmbeddings, cfg.Causal, cfg.ParameterCount())
}
