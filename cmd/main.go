// Package main is the entry point for the katcp exporter.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/karoo-obs/katcp-exporter/internal/bridge"
	"github.com/karoo-obs/katcp-exporter/internal/config"
	"github.com/karoo-obs/katcp-exporter/internal/katcp"
	"github.com/karoo-obs/katcp-exporter/internal/store"
	"github.com/karoo-obs/katcp-exporter/internal/web"
)

// loadEnvFiles loads .env from standard locations.
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	configEnv := filepath.Join(homeDir, ".config", "katcp-exporter", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Local .env can override.
	_ = godotenv.Load()
}

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("katcp exporter failed")
		os.Exit(1)
	}
	log.Info().Msg("katcp exporter stopped")
}

// run holds every deferred cleanup; main exits only after it returns, so
// the intern store is closed even on failure paths.
func run() error {
	loadEnvFiles()

	configPath := flag.String("config", "", "path to YAML config file")
	katcpHost := flag.String("katcp-host", "", "katcp device host (overrides config)")
	katcpPort := flag.Int("katcp-port", 0, "katcp device port (overrides config)")
	metricsPort := flag.Int("metrics-port", 0, "metrics listen port (overrides config)")
	workaround := flag.Bool("workaround-strings", false, "export string/address sensors via value interning")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg := resolveConfig(*configPath)

	if *katcpHost != "" {
		cfg.Katcp.Host = *katcpHost
	}
	if *katcpPort != 0 {
		cfg.Katcp.Port = *katcpPort
	}
	if *metricsPort != 0 {
		cfg.Metrics.Port = *metricsPort
	}
	if *workaround {
		cfg.Katcp.WorkaroundStrings = true
	}

	setupLogging(cfg.Logging, *debug)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info().
		Str("katcp_host", cfg.Katcp.Host).
		Int("katcp_port", cfg.Katcp.Port).
		Int("metrics_port", cfg.Metrics.Port).
		Bool("workaround_strings", cfg.Katcp.WorkaroundStrings).
		Msg("katcp exporter starting")

	var interns store.Store = store.NopStore{}
	if cfg.Katcp.InternDB != "" {
		st, err := store.OpenSQLite(cfg.Katcp.InternDB)
		if err != nil {
			return fmt.Errorf("open intern database: %w", err)
		}
		defer st.Close()
		interns = st
		log.Info().Str("path", cfg.Katcp.InternDB).Msg("intern table persistence enabled")
	}

	b := bridge.New(cfg.Katcp.WorkaroundStrings, interns)
	if err := bridge.RegisterCollector(b); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}

	server := web.New(cfg.Metrics, b)
	client := katcp.NewClient(cfg.Katcp.Host, cfg.Katcp.Port, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientErr := make(chan error, 1)
	go func() { clientErr <- client.Run(ctx) }()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	// The first terminal event wins: a failed client or listener takes the
	// whole exporter down, a shutdown signal stops both cleanly. Either way
	// the deferred cleanups above still run.
	select {
	case err := <-clientErr:
		shutdownListener(server)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("katcp client: %w", err)
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownListener(server)
		return nil
	}
}

// shutdownListener gracefully stops the metrics listener with a bounded
// drain window.
func shutdownListener(server *web.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("listener shutdown error")
	}
}

// resolveConfig loads the config file when given, otherwise starts from an
// empty config filled by environment and flags.
func resolveConfig(path string) *config.Config {
	if path == "" {
		cfg, err := config.LoadFromBytes(nil)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build configuration")
		}
		return cfg
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("config", path).Msg("failed to read config file")
	}
	cfg, err := config.LoadFromBytes(data)
	if err != nil {
		log.Fatal().Err(err).Str("config", path).Msg("failed to load configuration")
	}
	return cfg
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.LoggingConfig, debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}

	var out *os.File
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			out = os.Stdout
		} else {
			out = f
		}
	}

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(level)
}
