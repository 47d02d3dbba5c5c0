package natkeeper

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read by LoadConfig.
const (
	EnvEnvFile         = "NATKEEPER_ENV_FILE"
	EnvGateway         = "NATPMP_GATEWAY_IP"
	EnvNotifier        = "NATKEEPER_NOTIFIER"
	EnvQBittorrentURL  = "QBITTORRENT_URL"
	EnvPortFile        = "NATKEEPER_PORT_FILE"
	EnvUnexpectedLimit = "NATKEEPER_UNEXPECTED_LIMIT"
	EnvCallTimeout     = "NATKEEPER_CALL_TIMEOUT"
	EnvMetricsAddr     = "NATKEEPER_METRICS_ADDR"
	EnvReleaseOnExit   = "NATKEEPER_RELEASE_ON_EXIT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
)

// Notifier kinds
const (
	NotifierQBittorrent = "qbittorrent"
	NotifierFile        = "file"
	NotifierNone        = "none"
)

// Config is the process configuration.
type Config struct {
	Gateway         string
	Notifier        string
	QBittorrentURL  string
	PortFile        string
	UnexpectedLimit int
	CallTimeout     time.Duration
	MetricsAddr     string
	ReleaseOnExit   bool
	LogLevel        slog.Level
	LogFormat       string
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Gateway:         defaultGatewayAddress,
		Notifier:        NotifierQBittorrent,
		QBittorrentURL:  "http://127.0.0.1:8080",
		PortFile:        "natpmp-port.csv",
		UnexpectedLimit: defaultUnexpectedLimit,
		CallTimeout:     defaultCallTimeout,
		ReleaseOnExit:   true,
		LogLevel:        slog.LevelInfo,
		LogFormat:       "text",
	}
}

// LoadConfig loads an optional .env file, then reads the environment.
func LoadConfig() (Config, error) {
	envFile := os.Getenv(EnvEnvFile)
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	return ConfigFromEnv(os.LookupEnv)
}

// ConfigFromEnv builds a Config from lookup, starting from DefaultConfig.
func ConfigFromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvGateway, &cfg.Gateway)
	str(EnvNotifier, &cfg.Notifier)
	str(EnvQBittorrentURL, &cfg.QBittorrentURL)
	str(EnvPortFile, &cfg.PortFile)
	str(EnvMetricsAddr, &cfg.MetricsAddr)
	str(EnvLogFormat, &cfg.LogFormat)
	cfg.Notifier = strings.ToLower(cfg.Notifier)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)

	if v, ok := lookup(EnvUnexpectedLimit); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvUnexpectedLimit, err)
		}
		cfg.UnexpectedLimit = n
	}
	if v, ok := lookup(EnvCallTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvCallTimeout, err)
		}
		cfg.CallTimeout = d
	}
	if v, ok := lookup(EnvReleaseOnExit); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvReleaseOnExit, err)
		}
		cfg.ReleaseOnExit = b
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvLogLevel, err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if !strings.EqualFold(c.Gateway, GatewayAuto) {
		if _, err := ResolveGateway(c.Gateway); err != nil {
			return err
		}
	}
	switch c.Notifier {
	case NotifierQBittorrent:
		if c.QBittorrentURL == "" {
			return fmt.Errorf("%s must be set for the %s notifier", EnvQBittorrentURL, NotifierQBittorrent)
		}
	case NotifierFile:
		if c.PortFile == "" {
			return fmt.Errorf("%s must be set for the %s notifier", EnvPortFile, NotifierFile)
		}
	case NotifierNone:
	default:
		return fmt.Errorf("unknown notifier %q", c.Notifier)
	}
	if c.UnexpectedLimit < 0 {
		return fmt.Errorf("%s must not be negative", EnvUnexpectedLimit)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvCallTimeout)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// NewNotifier builds the downstream notifier selected by c.
func (c Config) NewNotifier() (Notifier, error) {
	switch c.Notifier {
	case NotifierQBittorrent:
		return NewQBittorrentNotifier(c.QBittorrentURL, nil)
	case NotifierFile:
		return NewFileNotifier(c.PortFile), nil
	case NotifierNone:
		return NopNotifier{}, nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", c.Notifier)
	}
}
