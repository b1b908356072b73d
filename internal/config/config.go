// Package config loads cosync settings from a TOML file and COSYNC_*
// environment variables.
//
// Precedence, lowest to highest: built-in defaults, the TOML file,
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/cosync/internal/highlight"
	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/mutation"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COSYNC_"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// QueueConfig configures the mutation queue.
type QueueConfig struct {
	SlowThreshold  Duration `toml:"slow_threshold"`
	BacklogWarn    int      `toml:"backlog_warn"`
	DispatchBuffer int      `toml:"dispatch_buffer"`
}

// HighlightConfig configures highlight tracking.
type HighlightConfig struct {
	Retention string `toml:"retention"`
}

// WorkspaceConfig configures the disk workspace.
type WorkspaceConfig struct {
	Root  string `toml:"root"`
	Watch bool   `toml:"watch"`
}

// PaletteConfig lists collaborator colors as hex strings. Empty means the
// built-in palette.
type PaletteConfig struct {
	Colors []string `toml:"colors"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Config is the complete cosync configuration.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Queue     QueueConfig     `toml:"queue"`
	Highlight HighlightConfig `toml:"highlight"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Palette   PaletteConfig   `toml:"palette"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Queue: QueueConfig{
			SlowThreshold:  Duration(mutation.DefaultSlowThreshold),
			BacklogWarn:    mutation.DefaultBacklogWarn,
			DispatchBuffer: mutation.DefaultDispatchBuffer,
		},
		Highlight: HighlightConfig{Retention: highlight.RetentionUntilClose},
		Workspace: WorkspaceConfig{Root: ".", Watch: true},
		Metrics:   MetricsConfig{Addr: "127.0.0.1:9464"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.decode(path, bytes.NewReader(data)); err != nil {
				return nil, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML from r over the defaults. Environment variables are not
// consulted.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decode("<reader>", r); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(source string, r io.Reader) error {
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%s: %w: %s", source, ErrInvalid, strict.String())
		}
		return fmt.Errorf("parsing %s: %w", source, err)
	}
	return nil
}

// ApplyEnv applies COSYNC_* overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("HIGHLIGHT_RETENTION", &c.Highlight.Retention)
	str("WORKSPACE_ROOT", &c.Workspace.Root)
	str("METRICS_ADDR", &c.Metrics.Addr)

	if v, ok := lookup(EnvPrefix + "QUEUE_SLOW_THRESHOLD"); ok {
		if err := c.Queue.SlowThreshold.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
			return fmt.Errorf("%sQUEUE_SLOW_THRESHOLD: %w", EnvPrefix, err)
		}
	}
	if v, ok := lookup(EnvPrefix + "PALETTE"); ok {
		c.Palette.Colors = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}

	for name, dst := range map[string]*int{
		"QUEUE_BACKLOG_WARN":    &c.Queue.BacklogWarn,
		"QUEUE_DISPATCH_BUFFER": &c.Queue.DispatchBuffer,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	for name, dst := range map[string]*bool{
		"WORKSPACE_WATCH": &c.Workspace.Watch,
		"METRICS_ENABLED": &c.Metrics.Enabled,
	} {
		if err := flag(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q", c.Log.Level))
	}
	if c.Queue.SlowThreshold < 0 {
		errs = append(errs, fmt.Errorf("queue.slow_threshold must not be negative"))
	}
	if c.Queue.BacklogWarn < 0 {
		errs = append(errs, fmt.Errorf("queue.backlog_warn must not be negative"))
	}
	if c.Queue.DispatchBuffer < 1 {
		errs = append(errs, fmt.Errorf("queue.dispatch_buffer must be at least 1"))
	}
	switch c.Highlight.Retention {
	case highlight.RetentionUntilClose, highlight.RetentionForever:
	default:
		errs = append(errs, fmt.Errorf("highlight.retention %q", c.Highlight.Retention))
	}
	if c.Workspace.Root == "" {
		errs = append(errs, fmt.Errorf("workspace.root is empty"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, fmt.Errorf("metrics.addr is empty"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	lc.File = c.Log.File
	lc.MaxSizeMB = c.Log.MaxSizeMB
	lc.MaxBackups = c.Log.MaxBackups
	lc.MaxAgeDays = c.Log.MaxAgeDays
	return lc
}
