// Package main is the entry point for the kline-view daemon.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"kline-view/internal/app"
	"kline-view/internal/config"
	"kline-view/internal/logging"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file; empty uses defaults and KLINE_* variables")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Build(logging.Options{
		Level:      cfg.App.LogLevel,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := app.New(cfg, log).Run(); err != nil {
		log.Error("klined exited", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}
