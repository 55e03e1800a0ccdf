package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/wgvm/internal/api"
	"github.com/terrpan/wgvm/internal/auth"
	"github.com/terrpan/wgvm/internal/config"
	"github.com/terrpan/wgvm/internal/ledger"
	"github.com/terrpan/wgvm/internal/otel"
	"github.com/terrpan/wgvm/internal/session"
	"github.com/terrpan/wgvm/internal/upstream"
)

var (
	cfgPath       string
	flagDryRun    bool
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wgvm",
	Short: "wgvm -- on-demand single-tenant WireGuard VPN provisioner",
	Long: `wgvm provisions a single-tenant cloud VM running a WireGuard VPN on
demand, serves the generated client configuration once the VM is ready,
and tears the VM down on request or when its session TTL expires.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Addr, "addr", "", "HTTP listen address (e.g. :8080)")
	f.StringVar(&flagOverrides.Mode, "mode", "", "Serving mode (passthrough, ledger)")

	// Provider overrides
	f.StringVar(&flagOverrides.Provider.Type, "provider", "", "Compute provider (gcp, dryrun)")
	f.BoolVar(&flagDryRun, "dry-run", false, "Shorthand for --provider dryrun with auth bypass")
	f.StringVar(&flagOverrides.Provider.GCP.Project, "gcp-project", "", "GCP project ID")
	f.StringVar(&flagOverrides.Provider.GCP.Zone, "gcp-zone", "", "GCP zone for the VPN VM")

	// Session overrides
	f.StringVar(&flagOverrides.Session.DefaultLocation, "location", "", "Default provisioning location")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Server.Addr != "" {
		cfg.Server.Addr = flagOverrides.Server.Addr
	}
	if flagOverrides.Mode != "" {
		cfg.Mode = flagOverrides.Mode
	}
	if flagOverrides.Provider.Type != "" {
		cfg.Provider.Type = flagOverrides.Provider.Type
	}
	if flagDryRun {
		cfg.Provider.Type = "dryrun"
		cfg.Auth.Bypass = true
	}
	if flagOverrides.Provider.GCP.Project != "" {
		cfg.Provider.GCP.Project = flagOverrides.Provider.GCP.Project
	}
	if flagOverrides.Provider.GCP.Zone != "" {
		cfg.Provider.GCP.Zone = flagOverrides.Provider.GCP.Zone
	}
	if flagOverrides.Session.DefaultLocation != "" {
		cfg.Session.DefaultLocation = flagOverrides.Session.DefaultLocation
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("addr", cfg.Server.Addr),
		slog.String("mode", cfg.Mode),
		slog.String("provider", cfg.Provider.Type),
		slog.Duration("sessionTTL", cfg.Session.TTL.Std()),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry setup
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "wgvm", otel.Config{
		Enabled:    cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: *cfg.OTel.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Initialize compute provider + session manager
	// ---------------------------------------------------------------
	prov, err := cfg.NewProvider(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing provider: %w", err)
	}

	manager := session.New(session.Config{
		Provider:       prov,
		Logger:         logger.WithGroup("session"),
		TTL:            cfg.Session.TTL.Std(),
		CommandTimeout: cfg.Session.CommandTimeout.Std(),
	})
	defer manager.Close()

	// ---------------------------------------------------------------
	// 5. Ledger store + worker (ledger mode only)
	// ---------------------------------------------------------------
	var (
		store  *ledger.Store
		worker *ledger.Worker
	)
	if cfg.Mode == api.ModeLedger {
		store = ledger.NewStore()
		worker = ledger.NewWorker(ledger.WorkerConfig{
			Store:        store,
			Upstream:     upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, logger.WithGroup("upstream")),
			Logger:       logger.WithGroup("worker"),
			PollInterval: cfg.Upstream.PollInterval.Std(),
			MaxPolls:     cfg.Upstream.MaxPolls,
		})
		defer worker.Close()
	}

	// ---------------------------------------------------------------
	// 6. HTTP server
	// ---------------------------------------------------------------
	handler := api.New(api.Config{
		Mode:            cfg.Mode,
		Session:         manager,
		Store:           store,
		Worker:          worker,
		Auth:            auth.NewValidator(cfg.Auth.Bypass, cfg.Auth.AllowedEmails),
		Logger:          logger.WithGroup("api"),
		DefaultLocation: cfg.Session.DefaultLocation,
		ProviderName:    cfg.Provider.Type,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ---------------------------------------------------------------
	// 7. Wait for shutdown
	// ---------------------------------------------------------------
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	return nil
}
