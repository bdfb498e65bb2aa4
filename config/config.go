package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Bridge is the relay's upstream configuration. It is not modified after Load.
type Bridge struct {
	SourceURL            string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	PollInterval         time.Duration
	StartupDelay         time.Duration
}

type Server struct {
	Port     string
	LogLevel string
	LogFile  string
}

type Config struct {
	Server Server
	Bridge Bridge
}

// file mirrors the YAML layout. Pointers distinguish "unset" from zero.
type file struct {
	Server struct {
		Port     *string `yaml:"port"`
		LogLevel *string `yaml:"logLevel"`
		LogFile  *string `yaml:"logFile"`
	} `yaml:"server"`
	Bridge struct {
		SourceURL            *string `yaml:"sourceUrl"`
		MaxReconnectAttempts *int    `yaml:"maxReconnectAttempts"`
		ReconnectDelayMs     *int    `yaml:"reconnectDelayMs"`
		PollIntervalMs       *int    `yaml:"pollIntervalMs"`
		StartupDelayMs       *int    `yaml:"startupDelayMs"`
	} `yaml:"bridge"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:     "3000",
			LogLevel: "info",
		},
		Bridge: Bridge{
			SourceURL:            "ws://localhost:8080/ws",
			MaxReconnectAttempts: 10,
			ReconnectDelay:       2000 * time.Millisecond,
			PollInterval:         2000 * time.Millisecond,
			StartupDelay:         2000 * time.Millisecond,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, the
// environment and finally args. args excludes the program name.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("spoton-relay", pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("SPOTON_CONFIG"), "path to a YAML config file")
	port := fs.String("port", "", "HTTP listen port")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	logFile := fs.String("log-file", "", "also write logs to this file, rotated by size")
	sourceURL := fs.String("source-url", "", "telemetry source WebSocket URL")
	maxAttempts := fs.Int("max-reconnect-attempts", 0, "consecutive failed connects before giving up (0 = never)")
	reconnectDelay := fs.Int("reconnect-delay-ms", 0, "delay between reconnect attempts in milliseconds")
	pollInterval := fs.Int("poll-interval-ms", 0, "liveness poll interval in milliseconds")
	startupDelay := fs.Int("startup-delay-ms", 0, "delay before the first connect in milliseconds")

	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if *configPath != "" {
		if err := loadFile(&cfg, *configPath); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if fs.Changed("port") {
		cfg.Server.Port = *port
	}
	if fs.Changed("log-level") {
		cfg.Server.LogLevel = *logLevel
	}
	if fs.Changed("log-file") {
		cfg.Server.LogFile = *logFile
	}
	if fs.Changed("source-url") {
		cfg.Bridge.SourceURL = *sourceURL
	}
	if fs.Changed("max-reconnect-attempts") {
		cfg.Bridge.MaxReconnectAttempts = *maxAttempts
	}
	if fs.Changed("reconnect-delay-ms") {
		cfg.Bridge.ReconnectDelay = millis(*reconnectDelay)
	}
	if fs.Changed("poll-interval-ms") {
		cfg.Bridge.PollInterval = millis(*pollInterval)
	}
	if fs.Changed("startup-delay-ms") {
		cfg.Bridge.StartupDelay = millis(*startupDelay)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}

	if f.Server.Port != nil {
		cfg.Server.Port = *f.Server.Port
	}
	if f.Server.LogLevel != nil {
		cfg.Server.LogLevel = *f.Server.LogLevel
	}
	if f.Server.LogFile != nil {
		cfg.Server.LogFile = *f.Server.LogFile
	}
	if f.Bridge.SourceURL != nil {
		cfg.Bridge.SourceURL = *f.Bridge.SourceURL
	}
	if f.Bridge.MaxReconnectAttempts != nil {
		cfg.Bridge.MaxReconnectAttempts = *f.Bridge.MaxReconnectAttempts
	}
	if f.Bridge.ReconnectDelayMs != nil {
		cfg.Bridge.ReconnectDelay = millis(*f.Bridge.ReconnectDelayMs)
	}
	if f.Bridge.PollIntervalMs != nil {
		cfg.Bridge.PollInterval = millis(*f.Bridge.PollIntervalMs)
	}
	if f.Bridge.StartupDelayMs != nil {
		cfg.Bridge.StartupDelay = millis(*f.Bridge.StartupDelayMs)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Server.LogFile = v
	}
	if v := os.Getenv("SOURCE_URL"); v != "" {
		cfg.Bridge.SourceURL = v
	}

	ints := []struct {
		key string
		set func(int)
	}{
		{"MAX_RECONNECT_ATTEMPTS", func(n int) { cfg.Bridge.MaxReconnectAttempts = n }},
		{"RECONNECT_DELAY_MS", func(n int) { cfg.Bridge.ReconnectDelay = millis(n) }},
		{"POLL_INTERVAL_MS", func(n int) { cfg.Bridge.PollInterval = millis(n) }},
		{"STARTUP_DELAY_MS", func(n int) { cfg.Bridge.StartupDelay = millis(n) }},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, e.key, v)
		}
		e.set(n)
	}
	return nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Bridge.SourceURL)
	if err != nil {
		return fmt.Errorf("%w: source url: %v", ErrInvalid, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http", "https":
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
		c.Bridge.SourceURL = u.String()
	default:
		return fmt.Errorf("%w: source url %q must use ws, wss, http or https", ErrInvalid, c.Bridge.SourceURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: source url %q has no host", ErrInvalid, c.Bridge.SourceURL)
	}

	if c.Bridge.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: max reconnect attempts must be >= 0", ErrInvalid)
	}
	if c.Bridge.ReconnectDelay <= 0 {
		return fmt.Errorf("%w: reconnect delay must be positive", ErrInvalid)
	}
	if c.Bridge.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalid)
	}
	if c.Bridge.StartupDelay < 0 {
		return fmt.Errorf("%w: startup delay must not be negative", ErrInvalid)
	}

	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.Server.LogLevel)
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("%w: port %q", ErrInvalid, c.Server.Port)
	}
	return nil
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
