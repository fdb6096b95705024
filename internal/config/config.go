// Package config loads the creditwatch TOML configuration with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/creditwatch/internal/auth"
	"github.com/loykin/creditwatch/internal/env"
	"github.com/loykin/creditwatch/internal/extractor"
	"github.com/loykin/creditwatch/internal/ledger"
	"github.com/loykin/creditwatch/internal/lifecycle"
	"github.com/loykin/creditwatch/internal/logger"
	"github.com/loykin/creditwatch/internal/pace"
	"github.com/loykin/creditwatch/internal/scheduler"
	"github.com/loykin/creditwatch/internal/source"
	"github.com/loykin/creditwatch/internal/stability"
	"github.com/loykin/creditwatch/internal/store"
	tlsconf "github.com/loykin/creditwatch/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. CREDITWATCH_STORE_DSN.
const EnvPrefix = "CREDITWATCH"

// Source types.
const (
	SourceStatic  = "static"
	SourceFile    = "file"
	SourceBrowser = "browser"
)

type SourceConfig struct {
	Type        string        `toml:"type" mapstructure:"type"`
	Path        string        `toml:"path" mapstructure:"path"`
	URL         string        `toml:"url" mapstructure:"url"`
	DebuggerURL string        `toml:"debugger_url" mapstructure:"debugger_url"`
	Bin         string        `toml:"bin" mapstructure:"bin"`
	Headless    bool          `toml:"headless" mapstructure:"headless"`
	Poll        time.Duration `toml:"poll" mapstructure:"poll"`
}

// Browser returns the browser source settings.
func (s SourceConfig) Browser() source.BrowserConfig {
	return source.BrowserConfig{
		ControlURL: s.DebuggerURL,
		Bin:        s.Bin,
		Headless:   s.Headless,
		URL:        s.URL,
		Poll:       s.Poll,
	}
}

type SelectorConfig struct {
	extractor.Selectors `mapstructure:",squash"`
	Popover             string `toml:"popover" mapstructure:"popover"`
}

type TimingConfig struct {
	Debounce            time.Duration `toml:"debounce" mapstructure:"debounce"`
	DetectionInterval   time.Duration `toml:"detection_interval" mapstructure:"detection_interval"`
	Cooldown            time.Duration `toml:"cooldown" mapstructure:"cooldown"`
	RemovalPollInterval time.Duration `toml:"removal_poll_interval" mapstructure:"removal_poll_interval"`
	RemovalPollMax      int           `toml:"removal_poll_max" mapstructure:"removal_poll_max"`
}

type StoreConfig struct {
	DSN             string        `toml:"dsn" mapstructure:"dsn"`
	QuotaBytes      int64         `toml:"quota_bytes" mapstructure:"quota_bytes"`
	UsageCheck      string        `toml:"usage_check" mapstructure:"usage_check"`
	UsageCheckDelay time.Duration `toml:"usage_check_delay" mapstructure:"usage_check_delay"`
}

type HistoryConfig struct {
	Sinks   []string `toml:"sinks" mapstructure:"sinks"`
	Breaker bool     `toml:"breaker" mapstructure:"breaker"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string         `toml:"listen" mapstructure:"listen"`
	BasePath string         `toml:"base_path" mapstructure:"base_path"`
	TLS      tlsconf.Config `toml:"tls" mapstructure:"tls"`
	Auth     auth.Config    `toml:"auth" mapstructure:"auth"`
}

// Config represents the top-level TOML structure.
type Config struct {
	Source    SourceConfig     `toml:"source" mapstructure:"source"`
	Selectors SelectorConfig   `toml:"selectors" mapstructure:"selectors"`
	Timing    TimingConfig     `toml:"timing" mapstructure:"timing"`
	Stability stability.Policy `toml:"stability" mapstructure:"stability"`
	Store     StoreConfig      `toml:"store" mapstructure:"store"`
	History   HistoryConfig    `toml:"history" mapstructure:"history"`
	Log       logger.Config    `toml:"log" mapstructure:"log"`
	Metrics   MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Server    ServerConfig     `toml:"server" mapstructure:"server"`
	Plan      pace.Plan        `toml:"plan" mapstructure:"plan"`
}

func setDefaults(v *viper.Viper) {
	sel := extractor.DefaultSelectors()
	lc := lifecycle.DefaultConfig()
	pol := stability.DefaultPolicy()

	v.SetDefault("source.type", SourceStatic)
	v.SetDefault("source.path", "")
	v.SetDefault("source.url", "")
	v.SetDefault("source.debugger_url", "")
	v.SetDefault("source.bin", "")
	v.SetDefault("source.headless", true)
	v.SetDefault("source.poll", 50*time.Millisecond)

	v.SetDefault("selectors.container", sel.Container)
	v.SetDefault("selectors.value_child", sel.ValueChild)
	v.SetDefault("selectors.value_fallback", sel.ValueFallback)
	v.SetDefault("selectors.keywords", sel.Keywords)
	v.SetDefault("selectors.keyword_ceiling", sel.KeywordCeiling)
	v.SetDefault("selectors.popover", lc.Popover)

	v.SetDefault("timing.debounce", lc.Debounce)
	v.SetDefault("timing.detection_interval", scheduler.DefaultInterval)
	v.SetDefault("timing.cooldown", lc.Cooldown)
	v.SetDefault("timing.removal_poll_interval", lc.RemovalPoll)
	v.SetDefault("timing.removal_poll_max", lc.RemovalPolls)

	v.SetDefault("stability.max_attempts", pol.MaxAttempts)
	v.SetDefault("stability.quick_confirm_count", pol.QuickConfirmCount)
	v.SetDefault("stability.zero_confirm_count", pol.ZeroConfirmCount)

	v.SetDefault("store.dsn", "memory://")
	v.SetDefault("store.quota_bytes", store.DefaultQuota)
	v.SetDefault("store.usage_check", "@every 1h")
	v.SetDefault("store.usage_check_delay", 5*time.Second)

	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.breaker", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("plan.renewal_day", 1)
	v.SetDefault("plan.plan_start_credit", 0)
	v.SetDefault("plan.purchased_credits", 0)
	v.SetDefault("plan.fixed_limit_enabled", false)
	v.SetDefault("plan.fixed_limit_value", 0)
}

// Load reads path (TOML) on top of the defaults and applies CREDITWATCH_*
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.expand(env.FromOS())
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// expand resolves ${VAR} references in the fields that commonly hold
// credentials.
func (c *Config) expand(vars env.Vars) {
	c.Store.DSN = vars.Expand(c.Store.DSN)
	c.Source.URL = vars.Expand(c.Source.URL)
	c.Source.DebuggerURL = vars.Expand(c.Source.DebuggerURL)
	c.History.Sinks = append([]string(nil), c.History.Sinks...)
	vars.ExpandAll(c.History.Sinks)
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Source.Type {
	case SourceStatic:
	case SourceFile:
		if c.Source.Path == "" {
			errs = append(errs, errors.New("source.path is required for a file source"))
		}
	case SourceBrowser:
		if c.Source.URL == "" {
			errs = append(errs, errors.New("source.url is required for a browser source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.type %q", c.Source.Type))
	}
	if c.Selectors.Container == "" {
		errs = append(errs, errors.New("selectors.container must not be empty"))
	}
	if c.Selectors.KeywordCeiling <= 0 || c.Selectors.KeywordCeiling > extractor.MaxCount {
		errs = append(errs, fmt.Errorf("selectors.keyword_ceiling must be in 1..%d", extractor.MaxCount))
	}
	for name, d := range map[string]time.Duration{
		"timing.debounce":              c.Timing.Debounce,
		"timing.detection_interval":    c.Timing.DetectionInterval,
		"timing.removal_poll_interval": c.Timing.RemovalPollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Timing.Cooldown < 0 {
		errs = append(errs, errors.New("timing.cooldown must not be negative"))
	}
	if c.Timing.RemovalPollMax <= 0 {
		errs = append(errs, errors.New("timing.removal_poll_max must be positive"))
	}
	if c.Stability.MaxAttempts <= 0 || c.Stability.QuickConfirmCount <= 0 || c.Stability.ZeroConfirmCount <= 0 {
		errs = append(errs, errors.New("stability counts must be positive"))
	}
	if c.Stability.QuickConfirmCount > c.Stability.MaxAttempts {
		errs = append(errs, errors.New("stability.quick_confirm_count exceeds max_attempts"))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn must not be empty"))
	}
	if c.Store.QuotaBytes <= 0 {
		errs = append(errs, errors.New("store.quota_bytes must be positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if t := c.Server.TLS; t.Enabled {
		if cert, _ := t.Paths(); cert == "" {
			errs = append(errs, tlsconf.ErrNoCertificate)
		}
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Plan.RenewalDay < 1 || c.Plan.RenewalDay > 31 {
		errs = append(errs, errors.New("plan.renewal_day must be in 1..31"))
	}
	return errors.Join(errs...)
}

// Lifecycle returns the tracker settings.
func (c *Config) Lifecycle() lifecycle.Config {
	lc := lifecycle.DefaultConfig()
	lc.Popover = c.Selectors.Popover
	lc.Marker = c.Selectors.Container
	lc.Debounce = c.Timing.Debounce
	lc.Cooldown = c.Timing.Cooldown
	lc.RemovalPoll = c.Timing.RemovalPollInterval
	lc.RemovalPolls = c.Timing.RemovalPollMax
	lc.Snapshot.Container = c.Selectors.Container
	return lc
}

// Ledger returns the ledger settings for the configured quota.
func (c *Config) Ledger() ledger.Config {
	lc := ledger.DefaultConfig()
	lc.Quota = c.Store.QuotaBytes
	return lc
}
