package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/hotplug"
	"github.com/drvkit/drvkit-go/pkg/module"
	"github.com/drvkit/drvkit-go/pkg/recovery"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

// Config is the driver manager configuration.
type Config struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	Buses     []BusConfig    `yaml:"buses"`
	Hotplug   HotplugConfig  `yaml:"hotplug"`
	Resources ResourceConfig `yaml:"resources"`
	Modules   ModuleConfig   `yaml:"modules"`
	Recovery  RecoveryConfig `yaml:"recovery"`
	Trace     TraceConfig    `yaml:"trace"`
	State     StateConfig    `yaml:"state"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	NATS      NATSConfig     `yaml:"nats"`
}

// BusConfig configures detection on one bus.
type BusConfig struct {
	Kind string `yaml:"kind"`

	// Strategy is polling, interrupt, event-driven, adaptive or empty for
	// the bus default.
	Strategy     string        `yaml:"strategy"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`

	PowerBudgetMW       uint32 `yaml:"power_budget_mw"`
	BandwidthBudgetMbps uint32 `yaml:"bandwidth_budget_mbps"`
}

// HotplugConfig holds detection-wide settings.
type HotplugConfig struct {
	DebounceWindow    time.Duration `yaml:"debounce_window"`
	AdaptiveThreshold int           `yaml:"adaptive_threshold"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	HistorySize       int           `yaml:"history_size"`
}

// ResourceConfig configures resource accounting.
type ResourceConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`

	// LeakCheckInterval is how often the manager scans for leaks (0 = never).
	LeakCheckInterval time.Duration `yaml:"leak_check_interval"`
}

// ModuleConfig configures the module loader.
type ModuleConfig struct {
	LoadTimeout time.Duration `yaml:"load_timeout"`
	FailFast    bool          `yaml:"fail_fast"`

	// ManifestDir is scanned for module manifests at startup.
	ManifestDir string `yaml:"manifest_dir"`
}

// RecoveryConfig configures error recovery.
type RecoveryConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	InitialRetries   int           `yaml:"initial_retries"`
	EscalationWindow time.Duration `yaml:"escalation_window"`
	HalfLife         int           `yaml:"half_life"`
	MaxPatterns      int           `yaml:"max_patterns"`
	PatternTTL       time.Duration `yaml:"pattern_ttl"`
}

// TraceConfig configures structured trace capture.
type TraceConfig struct {
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// StateConfig configures persistence.
type StateConfig struct {
	// Backend is file, badger or empty to disable persistence.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`

	// SaveInterval is how often state is saved while running (0 = only on
	// shutdown).
	SaveInterval time.Duration `yaml:"save_interval"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Listen    string `yaml:"listen"`
}

// NATSConfig configures the event bridge.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the default configuration: every supported bus with its
// default strategy.
func Default() Config {
	cfg := Config{
		LogLevel: "info",
		Hotplug: HotplugConfig{
			DebounceWindow:    hotplug.DefaultDebounceWindow,
			AdaptiveThreshold: hotplug.DefaultAdaptiveThreshold,
			FailureThreshold:  hotplug.DefaultFailureThreshold,
			HistorySize:       hotplug.DefaultHistorySize,
		},
		Resources: ResourceConfig{
			StaleAfter:        resource.DefaultStaleAfter,
			LeakCheckInterval: time.Minute,
		},
		Modules: ModuleConfig{
			LoadTimeout: module.DefaultLoadTimeout,
		},
		Recovery: RecoveryConfig{
			MaxRetries:       recovery.DefaultMaxRetries,
			InitialRetries:   recovery.DefaultInitialRetries,
			EscalationWindow: recovery.DefaultEscalationWindow,
			HalfLife:         recovery.DefaultHalfLife,
			MaxPatterns:      recovery.DefaultMaxPatterns,
			PatternTTL:       recovery.DefaultPatternTTL,
		},
		Metrics: MetricsConfig{
			Namespace: "drvkit",
			Listen:    ":9464",
		},
		NATS: NATSConfig{
			SubjectPrefix: "drvkit",
		},
	}
	for _, kind := range device.KnownBusKinds() {
		caps := hotplug.CapabilitiesOf(kind)
		cfg.Buses = append(cfg.Buses, BusConfig{
			Kind:         strings.ToLower(kind.String()),
			PollInterval: caps.PollInterval,
			ScanTimeout:  caps.ScanTimeout,
		})
	}
	return cfg
}

// Error describes an invalid configuration field.
type Error struct {
	File    string
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(": ")
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Parse decodes YAML over the defaults and validates the result. A buses
// section replaces the default bus list.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &Error{Message: "failed to parse YAML", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &Error{File: path, Message: "failed to read file", Cause: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) && ce.File == "" {
			ce.File = path
		}
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values. All problems are reported, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &Error{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := c.SlogLevel(); err != nil {
		fail("log_level", "%v", err)
	}

	seen := make(map[device.BusKind]bool)
	for i, b := range c.Buses {
		field := fmt.Sprintf("buses[%d]", i)
		kind, err := device.ParseBusKind(b.Kind)
		if err != nil {
			fail(field+".kind", "%v", err)
			continue
		}
		if seen[kind] {
			fail(field+".kind", "duplicate bus %s", kind)
		}
		seen[kind] = true
		if b.Strategy != "" {
			if _, err := hotplug.ParseStrategy(b.Strategy); err != nil {
				fail(field+".strategy", "%v", err)
			}
		}
		if b.PollInterval < 0 || b.ScanTimeout < 0 {
			fail(field, "negative duration")
		}
	}

	if c.Hotplug.DebounceWindow < 0 {
		fail("hotplug.debounce_window", "must not be negative")
	}
	if c.Resources.StaleAfter < 0 {
		fail("resources.stale_after", "must not be negative")
	}
	if c.Modules.LoadTimeout < 0 {
		fail("modules.load_timeout", "must not be negative")
	}
	r := c.Recovery
	if r.MaxRetries < 0 || r.InitialRetries < 0 {
		fail("recovery", "retry budget must not be negative")
	}
	if r.InitialRetries > r.MaxRetries && r.MaxRetries > 0 {
		fail("recovery.initial_retries", "exceeds max_retries (%d)", r.MaxRetries)
	}
	if r.EscalationWindow < 0 {
		fail("recovery.escalation_window", "must not be negative")
	}
	if r.HalfLife < 0 {
		fail("recovery.half_life", "must not be negative")
	}

	switch c.State.Backend {
	case "":
	case "file", "badger":
		if c.State.Path == "" {
			fail("state.path", "required for backend %q", c.State.Backend)
		}
	default:
		fail("state.backend", "unknown backend %q", c.State.Backend)
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		fail("metrics.namespace", "required when metrics are enabled")
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		fail("nats.subject_prefix", "required when nats.url is set")
	}

	return errors.Join(errs...)
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return lvl, nil
}

// HotplugBus converts a bus section for the hot-plug manager. The bus is
// attached by the caller.
func (b BusConfig) HotplugBus(bus device.Bus) (hotplug.BusConfig, error) {
	strategy := hotplug.StrategyAuto
	if b.Strategy != "" {
		s, err := hotplug.ParseStrategy(b.Strategy)
		if err != nil {
			return hotplug.BusConfig{}, err
		}
		strategy = s
	}
	return hotplug.BusConfig{
		Bus:          bus,
		Strategy:     strategy,
		PollInterval: b.PollInterval,
		ScanTimeout:  b.ScanTimeout,
		Budget: device.Budget{
			PowerMW:       b.PowerBudgetMW,
			BandwidthMbps: b.BandwidthBudgetMbps,
		},
	}, nil
}

// Bus returns the section for kind.
func (c *Config) Bus(kind device.BusKind) (BusConfig, bool) {
	for _, b := range c.Buses {
		if k, err := device.ParseBusKind(b.Kind); err == nil && k == kind {
			return b, true
		}
	}
	return BusConfig{}, false
}
