// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/mediation/internal/sdk"
)

const (
	defaultServiceName     = "mediationd"
	defaultLogLevel        = "info"
	defaultLogFormat       = "console"
	defaultShutdownTimeout = 5 * time.Second
)

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" toml:"level"`
	Format string `yaml:"format" json:"format" toml:"format"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint" json:"otlpEndpoint" toml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName" json:"serviceName" toml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure" json:"otlpInsecure" toml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics" json:"enableMetrics" toml:"enableMetrics"`
}

// DispatchConfig controls the shared callback executor.
type DispatchConfig struct {
	// ShutdownTimeout bounds how long Close waits for queued notifications, e.g. "5s".
	ShutdownTimeout string `yaml:"shutdownTimeout" json:"shutdownTimeout" toml:"shutdownTimeout"`
}

// Timeout returns the parsed shutdown timeout, or the default when unset or invalid.
func (c DispatchConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.ShutdownTimeout))
	if err != nil || d <= 0 {
		return defaultShutdownTimeout
	}
	return d
}

// NetworkSpec declares one vendor SDK binding. LoadThrottle caps ad loads per
// second with bursts of LoadBurst; zero disables throttling.
type NetworkSpec struct {
	Name            string         `yaml:"name" json:"name" toml:"name"`
	Kind            string         `yaml:"kind" json:"kind" toml:"kind"`
	AppKey          string         `yaml:"appKey" json:"appKey" toml:"appKey"`
	FailurePolicy   string         `yaml:"failurePolicy" json:"failurePolicy" toml:"failurePolicy"`
	TerminalEvents  []string       `yaml:"terminalEvents" json:"terminalEvents" toml:"terminalEvents"`
	InstallAttempts int            `yaml:"installAttempts" json:"installAttempts" toml:"installAttempts"`
	LoadThrottle    float64        `yaml:"loadThrottle" json:"loadThrottle" toml:"loadThrottle"`
	LoadBurst       int            `yaml:"loadBurst" json:"loadBurst" toml:"loadBurst"`
	Options         map[string]any `yaml:"options" json:"options" toml:"options"`
}

// TerminalKinds resolves the configured terminal event names, falling back to
// the default set when none are given.
func (s NetworkSpec) TerminalKinds() (sdk.KindSet, error) {
	if len(s.TerminalEvents) == 0 {
		return sdk.DefaultTerminalKinds(), nil
	}
	kinds := make([]sdk.EventKind, 0, len(s.TerminalEvents))
	for _, name := range s.TerminalEvents {
		kind, err := sdk.ParseEventKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return sdk.NewKindSet(kinds...), nil
}

// AppConfig is the unified mediation configuration.
type AppConfig struct {
	Environment Environment     `yaml:"environment" json:"environment" toml:"environment"`
	Logging     LoggingConfig   `yaml:"logging" json:"logging" toml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry" json:"telemetry" toml:"telemetry"`
	MetricsAddr string          `yaml:"metricsAddr" json:"metricsAddr" toml:"metricsAddr"`
	Dispatch    DispatchConfig  `yaml:"dispatch" json:"dispatch" toml:"dispatch"`
	Networks    []NetworkSpec   `yaml:"networks" json:"networks" toml:"networks"`
}

// Default returns a development configuration with two fake networks.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Logging:     LoggingConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Telemetry:   TelemetryConfig{ServiceName: defaultServiceName, OTLPInsecure: true},
		Networks: []NetworkSpec{
			{Name: "alpha", Kind: "fake", AppKey: "alpha-app", FailurePolicy: PolicyCached},
			{Name: "beta", Kind: "fake", AppKey: "beta-app", FailurePolicy: PolicyRetry},
		},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig. The decoder is chosen by file
// extension: .yaml/.yml, .json or .toml.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(bytes, &cfg)
	case ".json":
		err = json.Unmarshal(bytes, &cfg)
	case ".toml":
		err = toml.Unmarshal(bytes, &cfg)
	default:
		return AppConfig{}, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeName(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Logging.Level = normalizeName(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = normalizeName(c.Logging.Format)
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.MetricsAddr = strings.TrimSpace(c.MetricsAddr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}

	for i := range c.Networks {
		n := &c.Networks[i]
		n.Name = normalizeName(n.Name)
		n.Kind = normalizeName(n.Kind)
		n.AppKey = strings.TrimSpace(n.AppKey)
		n.FailurePolicy = normalizeName(n.FailurePolicy)
		if n.FailurePolicy == "" {
			n.FailurePolicy = PolicyCached
		}
		events := make([]string, 0, len(n.TerminalEvents))
		for _, evt := range n.TerminalEvents {
			if trimmed := normalizeName(evt); trimmed != "" {
				events = append(events, trimmed)
			}
		}
		n.TerminalEvents = events
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging format must be console or json")
	}
	if raw := strings.TrimSpace(c.Dispatch.ShutdownTimeout); raw != "" {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("dispatch shutdownTimeout must be a positive duration")
		}
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network required")
	}

	seen := make(map[string]struct{}, len(c.Networks))
	for i, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("networks[%d]: name required", i)
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("duplicate network name %q", n.Name)
		}
		seen[n.Name] = struct{}{}
		if n.Kind == "" {
			return fmt.Errorf("network %s: kind required", n.Name)
		}
		if n.AppKey == "" {
			return fmt.Errorf("network %s: appKey required", n.Name)
		}
		switch n.FailurePolicy {
		case PolicyCached, PolicyRetry:
		default:
			return fmt.Errorf("network %s: failurePolicy must be cached or retry", n.Name)
		}
		if n.InstallAttempts < 0 {
			return fmt.Errorf("network %s: installAttempts must be >= 0", n.Name)
		}
		if n.LoadThrottle < 0 || n.LoadBurst < 0 {
			return fmt.Errorf("network %s: loadThrottle and loadBurst must be >= 0", n.Name)
		}
		if _, err := n.TerminalKinds(); err != nil {
			return fmt.Errorf("network %s: %w", n.Name, err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
