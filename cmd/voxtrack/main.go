// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command voxtrack runs the submission tracker daemon and its client tools.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ManuGH/voxtrack/internal/config"
	"github.com/ManuGH/voxtrack/internal/daemon"
	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			os.Exit(runStatusCLI(os.Args[2:], os.Stdout, os.Stderr))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:], os.Stdout, os.Stderr))
		}
	}
	os.Exit(runDaemon(os.Args[1:], os.Stdout))
}

func runDaemon(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("voxtrack", flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	configPath := fs.String("config", "", "path to config file (YAML)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		_, _ = fmt.Fprintln(stdout, version.String())
		return 0
	}

	// Safe defaults until the config is loaded.
	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "voxtrack",
		Version: version.Version,
	})
	logger := xglog.WithComponent("main")

	ctx, stop := daemon.WaitForShutdown()
	defer stop()

	path := strings.TrimSpace(*configPath)
	loader := config.NewLoader(path, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "config.load_failed").
			Str(xglog.FieldPath, path).
			Msg("failed to load configuration")
		return 1
	}

	xglog.Configure(xglog.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: version.Version,
	})
	logger = xglog.WithComponent("main")

	source := "env+defaults"
	if path != "" {
		source = "file"
	}
	logger.Info().
		Str(xglog.FieldEvent, "config.loaded").
		Str("source", source).
		Str(xglog.FieldPath, path).
		Str(xglog.FieldBaseURL, cfg.Backend.BaseURL).
		Msg("loaded configuration")

	app, err := daemon.NewApp(ctx, config.NewHolder(cfg, loader), version.Version)
	if err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.init_failed").Msg("failed to initialize daemon")
		return 1
	}

	logger.Info().
		Str(xglog.FieldEvent, "daemon.start").
		Str("version", version.Version).
		Str("listen", cfg.API.ListenAddr).
		Msg("starting voxtrack")

	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.failed").Msg("daemon stopped with error")
		return 1
	}
	logger.Info().Str(xglog.FieldEvent, "daemon.stopped").Msg("voxtrack stopped")
	return 0
}
