package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/gaspardpetit/oaigate/internal/cluster"
	"github.com/gaspardpetit/oaigate/internal/config"
	"github.com/gaspardpetit/oaigate/internal/logx"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load()

	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	// Resolve config with precedence: defaults < file < env < args.
	cfg.SetDefaults()
	cfg.ApplyEnv()
	// Allow --config to override the file path before loading it.
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlags()
	flag.Parse()

	if *showVersion {
		fmt.Printf("oaigate %s (%s %s)\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	logx.Log.Info().Str("version", version).Int("port", cfg.Port).Bool("cluster", cfg.EnableCluster).Msg("starting gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g := cluster.New(cfg)
	if err := g.Run(ctx, cfg.Port); err != nil {
		logx.Log.Error().Err(err).Msg("gateway stopped")
		os.Exit(1)
	}
}
