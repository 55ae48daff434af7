// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// formbridge-server is the FormBridge daemon. It owns the bridge
// session registry, serves the HTTP API that agents dispatch through
// and browsers answer on, persists lifecycle events to the SQLite
// event log, and records every session into a sealed transcript file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/formbridge/formbridge/bridge"
	"github.com/formbridge/formbridge/eventlog"
	"github.com/formbridge/formbridge/httpapi"
	"github.com/formbridge/formbridge/lib/config"
	"github.com/formbridge/formbridge/lib/version"
	"github.com/formbridge/formbridge/runner"
	"github.com/formbridge/formbridge/transcript"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listenAddr string
	var logLevel string
	var envFile string

	flagSet := pflag.NewFlagSet("formbridge-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to formbridge.yaml (default: $FORMBRIDGE_CONFIG, else built-in defaults)")
	flagSet.StringVar(&listenAddr, "listen", "", "override server.listen_addr from the config")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flagSet.StringVar(&envFile, "env-file", ".env", "environment file loaded before the config is read")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing so it works without any
	// other flags.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("formbridge-server")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting formbridge-server",
		"version", version.Info(),
		"environment", cfg.Environment)

	profiles, err := runner.LoadProfileDir(cfg.Paths.Profiles)
	if err != nil {
		return err
	}
	if cfg.Runner.DefaultProfile != "" {
		if _, ok := profiles[cfg.Runner.DefaultProfile]; !ok {
			return fmt.Errorf("default profile %q not found in %s",
				cfg.Runner.DefaultProfile, cfg.Paths.Profiles)
		}
	}
	if len(profiles) > 0 {
		logger.Info("loaded runner profiles",
			"count", len(profiles), "directory", cfg.Paths.Profiles)
	}

	events, err := eventlog.Open(eventlog.StoreConfig{
		Path:   cfg.EventLogPath(),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	recorder, err := openRecorder(cfg, logger)
	if err != nil {
		events.Close()
		return err
	}
	logger.Info("recording transcript",
		"path", recorder.Path(), "transcript", recorder.TranscriptID())

	registry := bridge.NewRegistry(bridge.Options{
		Logger:                 logger,
		Tap:                    bridge.MultiTap{events, recorder},
		SessionTTL:             cfg.SessionTTL(),
		DispatchTimeout:        cfg.DispatchTimeout(),
		DispatchTimeoutCeiling: cfg.DispatchTimeoutCeiling(),
		KeepaliveInterval:      cfg.KeepaliveInterval(),
		StreamBuffer:           cfg.Bridge.StreamBuffer,
	})

	handler, err := httpapi.NewHandler(httpapi.HandlerConfig{
		Registry:          registry,
		Events:            events,
		Profiles:          profiles,
		DefaultProfile:    cfg.Runner.DefaultProfile,
		BaseURL:           cfg.PublicBaseURL(),
		MaxConcurrentRuns: cfg.Runner.MaxConcurrentRuns,
		StartupTimeout:    cfg.RunStartupTimeout(),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		ListenAddress: cfg.Server.ListenAddr,
		Handler:       handler,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("bridge ready", "url", cfg.PublicBaseURL())

	pruneCtx, stopPrune := context.WithCancel(context.Background())
	go pruneLoop(pruneCtx, events, cfg.EventRetention(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("received shutdown signal")

	// Close the registry first: that fails pending dispatches and
	// ends the browser streams, letting the streaming handlers drain
	// inside the grace period.
	registry.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	stopPrune()
	if err := recorder.Close(); err != nil {
		logger.Error("sealing transcript failed", "error", err)
	}
	if err := events.Close(); err != nil {
		logger.Error("closing event log failed", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// loadConfig resolves the configuration source: the --config flag,
// then $FORMBRIDGE_CONFIG, then the built-in defaults.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}
	if os.Getenv("FORMBRIDGE_CONFIG") != "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}
	return config.Default(), nil
}

// openRecorder starts the transcript for this server process. The
// file name carries the start time and pid so restarts never collide.
func openRecorder(cfg *config.Config, logger *slog.Logger) (*transcript.Recorder, error) {
	recorderConfig := transcript.RecorderConfig{
		Path: filepath.Join(cfg.Paths.Transcripts,
			fmt.Sprintf("formbridge-%s-%d.fbtr", time.Now().UTC().Format("20060102-150405"), os.Getpid())),
		Compression: cfg.Transcript.Compression,
		Logger:      logger,
	}

	if cfg.Transcript.KeyFile != "" {
		masterKey, err := transcript.LoadMasterKey(cfg.Transcript.KeyFile)
		if err != nil {
			return nil, err
		}
		defer masterKey.Close()
		recorderConfig.Key = masterKey
	}

	return transcript.NewRecorder(recorderConfig)
}

// pruneLoop deletes event log rows past the retention window, hourly.
func pruneLoop(ctx context.Context, events *eventlog.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := events.Prune(ctx, retention)
			if err != nil {
				logger.Warn("event log prune failed", "error", err)
				continue
			}
			if pruned > 0 {
				logger.Info("pruned event log", "events", pruned)
			}
		}
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `FormBridge server — browser form bridge for terminal agents.

The server issues paired session credentials, relays snapshot and
execute requests from agents to an attached browser stream, and
returns the browser's settlements. Lifecycle events land in a SQLite
event log and in a sealed, tamper-evident transcript file.

Configuration comes from --config, else $FORMBRIDGE_CONFIG, else the
built-in defaults (data under ~/.cache/formbridge, listening on
%s).

Usage:
  formbridge-server [flags]

Examples:
  # Run with defaults
  formbridge-server

  # Run with a config file and verbose logging
  formbridge-server --config formbridge.yaml --log-level debug

  # Bind a different port without touching the config
  formbridge-server --listen 127.0.0.1:9000

Flags:
`, config.DefaultListenAddr)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
