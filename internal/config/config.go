package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config lists the tunable parameters for the seatplan layout server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	DatabasePath    string
	LogLevel        string
	LogFormat       string
	MDNSEnabled     bool

	SaveDebounce time.Duration
	SaveTimeout  time.Duration
	SaveRequeue  bool

	MinZoom     float64
	MaxZoom     float64
	DefaultZoom float64
	ZoomStep    float64

	MinGap time.Duration
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/seatplan.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultSaveDebounce    = 500 * time.Millisecond
	defaultSaveTimeout     = 5 * time.Second
	defaultMinZoom         = 0.25
	defaultMaxZoom         = 2.0
	defaultDefaultZoom     = 0.8
	defaultZoomStep        = 0.1
	defaultMinGap          = 30 * time.Minute
)

// fileConfig mirrors Config for the optional TOML file. Durations are strings
// such as "500ms".
type fileConfig struct {
	HTTPPort     *int     `toml:"http_port"`
	MQTTBind     *string  `toml:"mqtt_bind"`
	DatabasePath *string  `toml:"database_path"`
	LogLevel     *string  `toml:"log_level"`
	LogFormat    *string  `toml:"log_format"`
	MDNSEnabled  *bool    `toml:"mdns_enabled"`
	SaveDebounce *string  `toml:"save_debounce"`
	SaveTimeout  *string  `toml:"save_timeout"`
	SaveRequeue  *bool    `toml:"save_requeue"`
	MinZoom      *float64 `toml:"min_zoom"`
	MaxZoom      *float64 `toml:"max_zoom"`
	DefaultZoom  *float64 `toml:"default_zoom"`
	ZoomStep     *float64 `toml:"zoom_step"`
	MinGap       *string  `toml:"min_gap"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		SaveDebounce:    defaultSaveDebounce,
		SaveTimeout:     defaultSaveTimeout,
		MinZoom:         defaultMinZoom,
		MaxZoom:         defaultMaxZoom,
		DefaultZoom:     defaultDefaultZoom,
		ZoomStep:        defaultZoomStep,
		MinGap:          defaultMinGap,
	}
}

// Load derives configuration from defaults, then the TOML file named by
// SEATPLAN_CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("SEATPLAN_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var f fileConfig
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	setInt(&c.HTTPPort, f.HTTPPort)
	setString(&c.MQTTBindAddress, f.MQTTBind)
	setString(&c.DatabasePath, f.DatabasePath)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFormat, f.LogFormat)
	setBool(&c.MDNSEnabled, f.MDNSEnabled)
	setBool(&c.SaveRequeue, f.SaveRequeue)
	setFloat(&c.MinZoom, f.MinZoom)
	setFloat(&c.MaxZoom, f.MaxZoom)
	setFloat(&c.DefaultZoom, f.DefaultZoom)
	setFloat(&c.ZoomStep, f.ZoomStep)

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"save_debounce", f.SaveDebounce, &c.SaveDebounce},
		{"save_timeout", f.SaveTimeout, &c.SaveTimeout},
		{"min_gap", f.MinGap, &c.MinGap},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("invalid %s in %s: %w", d.key, path, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SEATPLAN_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SEATPLAN_HTTP_PORT: %w", err)
		}
		c.HTTPPort = port
	}

	if v := os.Getenv("SEATPLAN_MQTT_BIND"); v != "" {
		c.MQTTBindAddress = v
	}

	if v := os.Getenv("SEATPLAN_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}

	if v := os.Getenv("SEATPLAN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	if v := os.Getenv("SEATPLAN_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}

	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"SEATPLAN_MDNS_ENABLED", &c.MDNSEnabled},
		{"SEATPLAN_SAVE_REQUEUE", &c.SaveRequeue},
	} {
		if v := os.Getenv(b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", b.key, err)
			}
			*b.dst = parsed
		}
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"SEATPLAN_SAVE_DEBOUNCE", &c.SaveDebounce},
		{"SEATPLAN_SAVE_TIMEOUT", &c.SaveTimeout},
		{"SEATPLAN_MIN_GAP", &c.MinGap},
	} {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"SEATPLAN_MIN_ZOOM", &c.MinZoom},
		{"SEATPLAN_MAX_ZOOM", &c.MaxZoom},
		{"SEATPLAN_DEFAULT_ZOOM", &c.DefaultZoom},
		{"SEATPLAN_ZOOM_STEP", &c.ZoomStep},
	} {
		if v := os.Getenv(f.key); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", f.key, err)
			}
			*f.dst = parsed
		}
	}

	return nil
}

// Validate rejects settings the editor cannot run with.
func (c Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.MinZoom <= 0 || c.MaxZoom < c.MinZoom {
		return fmt.Errorf("zoom bounds must satisfy 0 < min <= max, got [%g, %g]", c.MinZoom, c.MaxZoom)
	}
	if c.DefaultZoom < c.MinZoom || c.DefaultZoom > c.MaxZoom {
		return fmt.Errorf("default zoom %g outside [%g, %g]", c.DefaultZoom, c.MinZoom, c.MaxZoom)
	}
	if c.ZoomStep <= 0 {
		return fmt.Errorf("zoom step must be positive, got %g", c.ZoomStep)
	}
	if c.SaveDebounce <= 0 || c.SaveTimeout <= 0 {
		return fmt.Errorf("save debounce and timeout must be positive")
	}
	if c.MinGap <= 0 {
		return fmt.Errorf("minimum schedule gap must be positive")
	}
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}
