package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/probelog/internal/aggregate"
	"github.com/tinytelemetry/probelog/internal/archive"
	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/socketrpc"
)

const (
	defaultBindHost           = "127.0.0.1"
	defaultTCPPort            = 4000
	defaultAPIPort            = 3000
	defaultQueryTimeout       = 30 * time.Second
	defaultMaxConcurrentReads = 8
	defaultRunRetention       = 90 // days, 0 = disabled
	defaultMuxBufferSize      = 16
	defaultMaxLineSize        = 1024 * 1024
	defaultArchiveInterval    = 24 * time.Hour
	defaultArchiveKeepLast    = 7
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DBPath                  string                `mapstructure:"db-path"`
	LogLevel                string                `mapstructure:"log-level"`
	LogFormat               string                `mapstructure:"log-format"`
	DeviceTimezone          string                `mapstructure:"device-timezone"`
	LogcatThreshold         time.Duration         `mapstructure:"logcat-threshold"`
	PlaybackLogcatThreshold time.Duration         `mapstructure:"playback-logcat-threshold"`
	DelayPairs              []aggregate.DelayPair `mapstructure:"delay-pairs"`
	DelayPairsFile          string                `mapstructure:"delay-pairs-file"`
	Host                    string                `mapstructure:"host"`
	TCPEnabled              bool                  `mapstructure:"tcp-enabled"`
	TCPPort                 int                   `mapstructure:"tcp-port"`
	TCPAddr                 string                `mapstructure:"tcp-addr"`
	MaxLineSize             int                   `mapstructure:"max-line-size"`
	MuxBufferSize           int                   `mapstructure:"mux-buffer-size"`
	APIEnabled              bool                  `mapstructure:"api-enabled"`
	APIPort                 int                   `mapstructure:"api-port"`
	APIAddr                 string                `mapstructure:"api-addr"`
	QueryTimeout            time.Duration         `mapstructure:"query-timeout"`
	MaxConcurrentReads      int                   `mapstructure:"max-concurrent-queries"`
	RunRetentionDays        int                   `mapstructure:"run-retention-days"`
	PublishQueueSize        int                   `mapstructure:"publish-queue-size"`
	Workers                 int                   `mapstructure:"workers"`
	OTLPEndpoint            string                `mapstructure:"otlp-endpoint"`
	OTLPInsecure            bool                  `mapstructure:"otlp-insecure"`
	TelemetryEndpoint       string                `mapstructure:"telemetry-endpoint"`
	SocketPath              string                `mapstructure:"socket-path"`
	JournalEnabled          bool                  `mapstructure:"journal-enabled"`
	JournalPath             string                `mapstructure:"journal-path"`
	ArchiveEnabled          bool                  `mapstructure:"archive-enabled"`
	ArchiveInterval         time.Duration         `mapstructure:"archive-interval"`
	ArchiveDir              string                `mapstructure:"archive-dir"`
	ArchiveKeepLast         int                   `mapstructure:"archive-keep-last"`
	ArchiveBucketURL        string                `mapstructure:"archive-bucket-url"`
	ArchiveS3Endpoint       string                `mapstructure:"archive-s3-endpoint"`
	ArchiveS3Region         string                `mapstructure:"archive-s3-region"`
	ArchiveS3AccessKey      string                `mapstructure:"archive-s3-access-key"`
	ArchiveS3SecretKey      string                `mapstructure:"archive-s3-secret-key"`
	ArchiveS3SessionToken   string                `mapstructure:"archive-s3-session-token"`
	ArchiveS3UseSSL         bool                  `mapstructure:"archive-s3-use-ssl"`
	ConfigPath              string                `mapstructure:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	// A missing .env is the common case.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", "probelog")

	v := viper.New()
	v.SetEnvPrefix("PROBELOG")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("db-path", filepath.Join(dataDir, "probelog.duckdb"))
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
	v.SetDefault("device-timezone", "Local")
	v.SetDefault("logcat-threshold", model.DefaultLogcatThreshold)
	v.SetDefault("playback-logcat-threshold", model.DefaultPlaybackLogcatThreshold)
	v.SetDefault("delay-pairs-file", "")
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("max-line-size", defaultMaxLineSize)
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("max-concurrent-queries", defaultMaxConcurrentReads)
	v.SetDefault("run-retention-days", defaultRunRetention)
	v.SetDefault("publish-queue-size", model.DefaultPublishQueueSize)
	v.SetDefault("workers", 4)
	v.SetDefault("otlp-endpoint", "")
	v.SetDefault("otlp-insecure", false)
	v.SetDefault("telemetry-endpoint", "")
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("journal-enabled", true)
	v.SetDefault("journal-path", filepath.Join(dataDir, "captures.journal"))
	v.SetDefault("archive-enabled", false)
	v.SetDefault("archive-interval", defaultArchiveInterval)
	v.SetDefault("archive-dir", filepath.Join(dataDir, "archives"))
	v.SetDefault("archive-keep-last", defaultArchiveKeepLast)
	v.SetDefault("archive-bucket-url", "")
	v.SetDefault("archive-s3-endpoint", "")
	v.SetDefault("archive-s3-region", "us-east-1")
	v.SetDefault("archive-s3-access-key", "")
	v.SetDefault("archive-s3-secret-key", "")
	v.SetDefault("archive-s3-session-token", "")
	v.SetDefault("archive-s3-use-ssl", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "probelog", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return cfg, fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.LogcatThreshold < 0 || cfg.PlaybackLogcatThreshold < 0 {
		return cfg, fmt.Errorf("invalid logcat threshold: thresholds must not be negative")
	}
	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("invalid workers: %d", cfg.Workers)
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	if _, err := time.LoadLocation(cfg.DeviceTimezone); err != nil {
		return cfg, fmt.Errorf("invalid device-timezone: %w", err)
	}

	if cfg.DelayPairsFile != "" {
		pairs, err := readDelayPairs(cfg.DelayPairsFile)
		if err != nil {
			return cfg, err
		}
		cfg.DelayPairs = append(cfg.DelayPairs, pairs...)
	}
	for _, p := range cfg.DelayPairs {
		if p.Name == "" || p.Start == "" || p.End == "" {
			return cfg, fmt.Errorf("invalid delay pair %+v: name, start and end are required", p)
		}
	}

	if cfg.ArchiveEnabled && cfg.ArchiveInterval <= 0 {
		return cfg, fmt.Errorf("invalid archive-interval: %s", cfg.ArchiveInterval)
	}

	for _, p := range []*string{&cfg.DBPath, &cfg.JournalPath, &cfg.ArchiveDir} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

// readDelayPairs reads a YAML list of {name, start, end} delay definitions.
func readDelayPairs(path string) ([]aggregate.DelayPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading delay-pairs-file: %w", err)
	}
	var pairs []aggregate.DelayPair
	if err := yaml.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("parsing delay-pairs-file %s: %w", path, err)
	}
	return pairs, nil
}

// thresholds maps each agent to its configured logcat threshold.
func (c appConfig) thresholds() map[model.Agent]time.Duration {
	out := make(map[model.Agent]time.Duration, len(model.Agents))
	for _, a := range model.Agents {
		out[a] = c.LogcatThreshold
	}
	out[model.AgentExoplayer] = c.PlaybackLogcatThreshold
	return out
}

func (c appConfig) archiveConfig(logger *slog.Logger) archive.Config {
	return archive.Config{
		Enabled:        c.ArchiveEnabled,
		Interval:       c.ArchiveInterval,
		LocalDir:       c.ArchiveDir,
		KeepLast:       c.ArchiveKeepLast,
		BucketURL:      c.ArchiveBucketURL,
		S3Endpoint:     c.ArchiveS3Endpoint,
		S3Region:       c.ArchiveS3Region,
		S3AccessKey:    c.ArchiveS3AccessKey,
		S3SecretKey:    c.ArchiveS3SecretKey,
		S3SessionToken: c.ArchiveS3SessionToken,
		S3UseSSL:       c.ArchiveS3UseSSL,
		Logger:         logger,
	}
}

// location returns the device time zone. loadConfig has already validated it.
func (c appConfig) location() *time.Location {
	loc, err := time.LoadLocation(c.DeviceTimezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log-level %q", s)
	}
	return level, nil
}

// newLogger builds the process logger from log-level and log-format and
// installs it as the slog default.
func newLogger(cfg appConfig) *slog.Logger {
	level, _ := parseLogLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
