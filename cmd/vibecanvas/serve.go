package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/vibecanvas/internal/app"
	"github.com/MrWong99/vibecanvas/internal/config"
	"github.com/MrWong99/vibecanvas/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		cfgPath string
		envFile string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and session controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cmd.OutOrStdout(), cfgPath, envFile)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (skipped when missing)")
	return cmd
}

func serve(ctx context.Context, out io.Writer, cfgPath, envFile string) error {
	// ── Environment and configuration ─────────────────────────────────────────
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("vibecanvas starting",
		"version", version,
		"config", cfgPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "vibecanvas",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{app.WithLevelVar(&level)}
	if _, err := os.Stat(cfgPath); err == nil {
		opts = append(opts, app.WithConfigPath(cfgPath))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}

	printStartupSummary(out, cfg, application.SharingEnabled())
	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// loadConfig reads path, falling back to defaults plus environment when the
// file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Warn("config file not found, using defaults and environment (see configs/example.yaml)", "path", path)
		return config.Load("")
	}
	return config.Load(path)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, sharing bool) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       vibecanvas startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	summaryLine(w, "Listen addr", cfg.Server.ListenAddr)
	agent := "(listen only)"
	if cfg.Agent.Enabled() {
		agent = cfg.Agent.AppID
	}
	summaryLine(w, "Agent app", agent)
	summaryLine(w, "LLM model", cfg.Agent.LLM.Model)
	summaryLine(w, "Channel", cfg.Channel.URL)
	summaryLine(w, "Gen. timeout", cfg.Session.GeneratingTimeout.String())
	share := "(disabled)"
	if sharing {
		share = "enabled"
		if cfg.Share.PostgresDSN != "" {
			share += " + archive"
		}
	}
	summaryLine(w, "Sharing", share)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func summaryLine(w io.Writer, label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", label, value)
}
