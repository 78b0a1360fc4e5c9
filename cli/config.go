// Package cli provides the command-line interface for livefeed.
// This file re-exports config types and applies command line overrides.
package cli

import (
	"github.com/urfave/cli/v2"
	"github.com/zot/livefeed/internal/config"
	livefeed "github.com/zot/livefeed/lib/go"
)

// Re-export config types for public API
type (
	Config           = config.Config
	ConnectionConfig = config.ConnectionConfig
	PullConfig       = config.PullConfig
	FeedConfig       = config.FeedConfig
	SyncConfig       = config.SyncConfig
	LoggingConfig    = config.LoggingConfig
	Duration         = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "TOML config file",
			EnvVars: []string{"LIVEFEED_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "auth token; empty stays disconnected",
			EnvVars: []string{"LIVEFEED_TOKEN"},
		},
		&cli.StringFlag{
			Name:  "url",
			Usage: "push endpoint",
		},
		&cli.StringFlag{
			Name:  "api",
			Usage: "pull API base URL",
		},
		&cli.StringSliceFlag{
			Name:  "transport",
			Usage: "transports in preference order (websocket, polling)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn, error",
		},
		&cli.IntFlag{
			Name:    "verbosity",
			Aliases: []string{"v"},
			Usage:   "1 = connection, 2 = message names, 3 = payloads",
		},
	}
}

// applyConfig loads the config file and environment, then overrides them with
// any flag the user set.
func applyConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if ctx.IsSet("url") {
		cfg.Connection.URL = ctx.String("url")
	}
	if ctx.IsSet("api") {
		cfg.Pull.BaseURL = ctx.String("api")
	}
	if ctx.IsSet("transport") {
		cfg.Connection.Transports = ctx.StringSlice("transport")
	}
	if ctx.IsSet("log-level") {
		cfg.Logging.Level = ctx.String("log-level")
	}
	if ctx.IsSet("verbosity") {
		cfg.Logging.Verbosity = ctx.Int("verbosity")
	}
	if ctx.IsSet("capacity") {
		cfg.Feed.Capacity = ctx.Int("capacity")
	}
	if ctx.IsSet("filter") {
		cfg.Feed.Filter = ctx.String("filter")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient builds a client from the flags and connects it when a token is set.
func newClient(ctx *cli.Context, opts ...livefeed.Option) (*livefeed.Client, error) {
	cfg, err := applyConfig(ctx)
	if err != nil {
		return nil, err
	}
	client, err := livefeed.New(append([]livefeed.Option{livefeed.WithConfig(cfg)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if token := ctx.String("token"); token != "" {
		if err := client.Configure(token); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}
