// Package config handles loading, validating, and applying
// configuration for the wgvm service.  Configuration is read from a
// YAML file and can be overridden by environment variables and CLI
// flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/wgvm/internal/provider"
	"github.com/terrpan/wgvm/internal/provider/dryrun"
	"github.com/terrpan/wgvm/internal/provider/gcp"
	"github.com/terrpan/wgvm/internal/remote"
)

// Environment variables consulted as fallbacks for secrets and local
// toggles.
const (
	EnvDryRun         = "DRY_RUN"
	EnvUpstreamAPIKey = "WGVM_UPSTREAM_API_KEY"
)

// Duration wraps time.Duration so YAML values like "30m" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Mode     string         `yaml:"mode"` // "passthrough" or "ledger"
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// ProviderConfig selects and configures the compute backend.
type ProviderConfig struct {
	// Type selects the compute backend: "gcp" or "dryrun".
	Type string `yaml:"type"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPProviderConfig `yaml:"gcp"`
}

// GCPProviderConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPProviderConfig struct {
	// Project is the GCP project ID (required when provider.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for the VPN VM (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-micro".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the boot image.
	// Default: the Debian 12 family image.
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 10.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// SSHUser is the login user for config retrieval.  Default: "wgvm".
	SSHUser string `yaml:"ssh_user"`

	// SSHPrivateKeyPath points at the PEM key used to run commands on
	// the VM (required).
	SSHPrivateKeyPath string `yaml:"ssh_private_key_path"`

	// SSHPublicKeyPath points at the matching public key injected into
	// instance metadata (required).
	SSHPublicKeyPath string `yaml:"ssh_public_key_path"`
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// SessionConfig controls the provisioning lifecycle.
type SessionConfig struct {
	// TTL is how long a VM lives before automatic teardown.  Default: 30m.
	TTL Duration `yaml:"ttl"`

	// CommandTimeout bounds each remote config read.  Default: 60s.
	CommandTimeout Duration `yaml:"command_timeout"`

	// DefaultLocation is used when a start request names no location.
	DefaultLocation string `yaml:"default_location"`
}

// ---------------------------------------------------------------------------
// Upstream
// ---------------------------------------------------------------------------

// UpstreamConfig points at the external provisioning API used in
// ledger mode.
type UpstreamConfig struct {
	// BaseURL of the upstream API (required when mode == "ledger").
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer token.  Falls back to WGVM_UPSTREAM_API_KEY.
	APIKey string `yaml:"api_key"`

	// PollInterval between status polls.  Default: 5s.
	PollInterval Duration `yaml:"poll_interval"`

	// MaxPolls is the attempt budget per job.  Default: 60.
	MaxPolls uint `yaml:"max_polls"`
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// AuthConfig controls who may call the provisioning API.
type AuthConfig struct {
	// Bypass disables principal validation (local / dry-run use only).
	Bypass bool `yaml:"bypass"`

	// AllowedEmails grants access to principals without the invited
	// role.  Comparison is case-insensitive.
	AllowedEmails []string `yaml:"allowed_emails"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus enables the /metrics scrape endpoint.  Default: true.
	Prometheus *bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields and
// resolves environment fallbacks.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Mode == "" {
		c.Mode = "passthrough"
	}
	if c.Provider.Type == "" {
		if isTruthy(os.Getenv(EnvDryRun)) {
			c.Provider.Type = "dryrun"
		} else {
			c.Provider.Type = "gcp"
		}
	}
	if c.Provider.GCP.MachineType == "" {
		c.Provider.GCP.MachineType = "e2-micro"
	}
	if c.Provider.GCP.DiskSizeGB == 0 {
		c.Provider.GCP.DiskSizeGB = 10
	}
	if c.Provider.GCP.SSHUser == "" {
		c.Provider.GCP.SSHUser = "wgvm"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = Duration(30 * time.Minute)
	}
	if c.Session.CommandTimeout == 0 {
		c.Session.CommandTimeout = Duration(60 * time.Second)
	}
	if c.Upstream.APIKey == "" {
		c.Upstream.APIKey = os.Getenv(EnvUpstreamAPIKey)
	}
	if c.Upstream.PollInterval == 0 {
		c.Upstream.PollInterval = Duration(5 * time.Second)
	}
	if c.Upstream.MaxPolls == 0 {
		c.Upstream.MaxPolls = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled {
		if !c.OTel.Insecure && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch c.Mode {
	case "passthrough", "ledger":
	default:
		return fmt.Errorf("mode %q is not supported (supported: passthrough, ledger)", c.Mode)
	}

	if c.Mode == "ledger" {
		if _, err := url.ParseRequestURI(c.Upstream.BaseURL); err != nil {
			return fmt.Errorf("upstream.base_url: invalid URL %q: %w", c.Upstream.BaseURL, err)
		}
		if c.Upstream.APIKey == "" {
			return fmt.Errorf("upstream.api_key is required in ledger mode (or set %s)", EnvUpstreamAPIKey)
		}
	}

	switch c.Provider.Type {
	case "dryrun":
		// OK
	case "gcp":
		if c.Provider.GCP.Project == "" {
			return fmt.Errorf("provider.gcp.project is required when provider.type is \"gcp\"")
		}
		if c.Provider.GCP.Zone == "" {
			return fmt.Errorf("provider.gcp.zone is required when provider.type is \"gcp\"")
		}
		if c.Provider.GCP.SSHPrivateKeyPath == "" {
			return fmt.Errorf("provider.gcp.ssh_private_key_path is required when provider.type is \"gcp\"")
		}
		if c.Provider.GCP.SSHPublicKeyPath == "" {
			return fmt.Errorf("provider.gcp.ssh_public_key_path is required when provider.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("provider.type %q is not supported (supported: gcp, dryrun)", c.Provider.Type)
	}

	for i, e := range c.Auth.AllowedEmails {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("auth.allowed_emails[%d] is empty", i)
		}
	}

	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewProvider creates the compute provider selected by provider.type.
func (c *Config) NewProvider(ctx context.Context, logger *slog.Logger) (provider.Provider, error) {
	switch c.Provider.Type {
	case "dryrun":
		return dryrun.New(logger.WithGroup("provider.dryrun")), nil
	case "gcp":
		privateKey, err := os.ReadFile(c.Provider.GCP.SSHPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading ssh private key from %s: %w", c.Provider.GCP.SSHPrivateKeyPath, err)
		}
		publicKey, err := os.ReadFile(c.Provider.GCP.SSHPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading ssh public key from %s: %w", c.Provider.GCP.SSHPublicKeyPath, err)
		}

		runner, err := remote.NewSSHRunner(c.Provider.GCP.SSHUser, privateKey, logger.WithGroup("remote"))
		if err != nil {
			return nil, fmt.Errorf("ssh runner: %w", err)
		}

		return gcp.New(ctx, gcp.Config{
			Project:      c.Provider.GCP.Project,
			Zone:         c.Provider.GCP.Zone,
			MachineType:  c.Provider.GCP.MachineType,
			Image:        c.Provider.GCP.Image,
			DiskSizeGB:   c.Provider.GCP.DiskSizeGB,
			SSHUser:      c.Provider.GCP.SSHUser,
			SSHPublicKey: strings.TrimSpace(string(publicKey)),
		}, runner, logger.WithGroup("provider.gcp"))
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", c.Provider.Type)
	}
}
