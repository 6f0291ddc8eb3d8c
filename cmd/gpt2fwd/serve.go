package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gpt2fwd/internal/api"
	"github.com/samcharles93/gpt2fwd/internal/logger"
	"github.com/samcharles93/gpt2fwd/internal/model"
	"github.com/samcharles93/gpt2fwd/internal/version"
)

func serveCmd() *cli.Command {
	var (
		addr         string
		readTimeout  time.Duration
		writeTimeout time.Duration
		storeSize    int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve forward passes over HTTP",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "limit for reading a request, headers included",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.DurationFlag{
				Name:        "write-timeout",
				Usage:       "limit for a whole forward pass plus response (0 disables)",
				Destination: &writeTimeout,
			},
			&cli.Int64Flag{
				Name:        "store-size",
				Usage:       "number of recent forward results kept for GET /v1/forward/:id",
				Value:       api.DefaultStoreCapacity,
				Destination: &storeSize,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyServeConfig(c, fileConfig, &addr)
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

			store := api.NewResultStore(int(storeSize))
			e := newEcho(api.NewServer(m, store, log.With("component", "api")))
			cfg := m.Config()
			log.Info("serving forward passes",
				"address", addr,
				"version", version.String(),
				"blocks", cfg.NumBlocks,
				"vocab", cfg.VocabSize,
				"store_size", storeSize,
			)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					srv.ReadTimeout = readTimeout
					srv.WriteTimeout = writeTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func newEcho(server *api.Server) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger())
	server.Register(e)
	return e
}
