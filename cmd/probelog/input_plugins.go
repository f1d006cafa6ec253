package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinytelemetry/probelog/internal/logsource"
	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/tcpserver"
)

// InputSourcePlugin is a small plugin primitive for wiring capture inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (logsource.CaptureSource, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	TCPEnabled  bool
	TCPAddr     string
	MaxLineSize int
	Logger      *slog.Logger
	// Session applies to piped stdin captures without a header line.
	Session model.Session
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	plugins := make([]InputSourcePlugin, 0, 2)
	plugins = append(plugins, tcpInputPlugin{
		addr:        cfg.TCPAddr,
		enabled:     cfg.TCPEnabled,
		maxLineSize: cfg.MaxLineSize,
		logger:      cfg.Logger,
	})
	plugins = append(plugins, stdinInputPlugin{
		session:     cfg.Session,
		maxLineSize: cfg.MaxLineSize,
		logger:      cfg.Logger,
	})
	return plugins
}

type tcpInputPlugin struct {
	addr        string
	enabled     bool
	maxLineSize int
	logger      *slog.Logger
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (logsource.CaptureSource, error) {
	server := tcpserver.NewServer(p.addr, tcpserver.ServerConfig{
		MaxLineSize: p.maxLineSize,
		Logger:      p.logger,
	})
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return logsource.NewTCPSource(server), nil
}

type stdinInputPlugin struct {
	session     model.Session
	maxLineSize int
	logger      *slog.Logger
}

func (p stdinInputPlugin) Name() string { return "stdin" }

func (p stdinInputPlugin) Enabled() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(ctx context.Context) (logsource.CaptureSource, error) {
	return logsource.NewStdinSource(ctx, p.session, logsource.StdinConfig{
		MaxLineSize: p.maxLineSize,
		Logger:      p.logger,
	}), nil
}
