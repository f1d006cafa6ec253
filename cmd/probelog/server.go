package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/probelog/internal/archive"
	"github.com/tinytelemetry/probelog/internal/duckdb"
	"github.com/tinytelemetry/probelog/internal/engine"
	"github.com/tinytelemetry/probelog/internal/export"
	"github.com/tinytelemetry/probelog/internal/httpserver"
	"github.com/tinytelemetry/probelog/internal/journal"
	"github.com/tinytelemetry/probelog/internal/logsource"
	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/socketrpc"
	"github.com/tinytelemetry/probelog/internal/telemetry"
)

func runServe(args []string, stdout io.Writer) error {
	var configPath string
	fs := newFlagSet("serve", &configPath)
	agent := fs.String("agent", "", "agent of a capture piped on stdin without a header line")
	device := fs.String("device", "", "device of a capture piped on stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var session model.Session
	if *agent != "" {
		if session.Agent, err = model.ParseAgent(*agent); err != nil {
			return err
		}
	}
	session.Device = *device
	return runServer(cfg, session, stdout)
}

// runServer accepts captures over TCP (and piped stdin), serves the HTTP API
// and stores every run until interrupted.
func runServer(cfg appConfig, stdinSession model.Session, stdout io.Writer) error {
	logger := newLogger(cfg)

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.TelemetryEndpoint, "probelog", version, cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(telemetry.Meter("github.com/tinytelemetry/probelog"))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	// Initialize DuckDB store
	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()
	store.SetLogger(logger)
	store.SetMaxConcurrentQueries(cfg.MaxConcurrentReads)

	// Keep received captures on disk until their runs are stored.
	var captureJournal *journal.Journal
	if cfg.JournalEnabled {
		captureJournal, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open capture journal: %w", err)
		}
		defer captureJournal.Close()
	}
	ack := func(seq uint64) {
		if captureJournal == nil || seq == 0 {
			return
		}
		if err := captureJournal.Ack(seq); err != nil {
			logger.Warn("journal ack failed", "seq", seq, "error", err)
		}
	}

	// Decouple run publishing from DuckDB writes
	runBuffer := duckdb.NewRunBuffer(store, duckdb.RunBufferConfig{
		QueueSize: cfg.PublishQueueSize,
		Logger:    logger,
		OnWritten: func(run *model.Run) { ack(run.JournalSeq) },
	})
	defer runBuffer.Stop()

	// Start retention cleaner for automatic run expiry
	retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
		RetentionDays: cfg.RunRetentionDays,
		Logger:        logger,
	})
	if retentionCleaner != nil {
		defer retentionCleaner.Stop()
	}

	archiveManager, err := archive.NewManager(store, cfg.archiveConfig(logger))
	if err != nil {
		return fmt.Errorf("failed to initialize archives: %w", err)
	}
	if archiveManager != nil {
		defer archiveManager.Stop()
	}

	// Serve reads to CLI commands while this process holds the database.
	sockServer := socketrpc.NewServer(cfg.SocketPath, store, logger)
	if err := sockServer.Start(); err != nil {
		logger.Warn("socket server not started", "error", err)
	} else {
		defer sockServer.Stop()
	}

	sinks := engine.MultiSink{runBuffer}
	if cfg.OTLPEndpoint != "" {
		exporter, err := export.Dial(cfg.OTLPEndpoint, cfg.OTLPInsecure, export.Config{
			ServiceName: "probelog",
			Version:     version,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize OTLP export: %w", err)
		}
		defer exporter.Close()
		sinks = append(sinks, exporter)
	}

	eng := engine.New(engine.Config{
		Logger:     logger,
		Location:   cfg.location(),
		DelayPairs: cfg.DelayPairs,
		Thresholds: cfg.thresholds(),
	})
	processor := engine.NewProcessor(eng, sinks, engine.ProcessorConfig{
		Workers: cfg.Workers,
		Metrics: metrics,
		Tracer:  telemetry.Tracer("github.com/tinytelemetry/probelog/internal/engine"),
		Logger:  logger,

		OnRejected: func(c model.Capture, _ error) { ack(c.JournalSeq) },
	})

	if err := replayUncommittedJournal(ctx, captureJournal, processor, logger); err != nil {
		return fmt.Errorf("failed to replay capture journal: %w", err)
	}

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, store, processor, logger)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
		cfg.APIAddr = apiServer.Addr()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(stdout, "\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Fprintln(stdout, "\nForce shutdown.")
		case <-deadline.C:
			fmt.Fprintln(stdout, "Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	// Build input plugins and source multiplexer
	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled:  cfg.TCPEnabled,
		TCPAddr:     cfg.TCPAddr,
		MaxLineSize: cfg.MaxLineSize,
		Logger:      logger,
		Session:     stdinSession,
	})

	sources := make([]logsource.CaptureSource, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			logger.Error("input plugin failed", "plugin", plugin.Name(), "error", err)
			continue
		}
		sources = append(sources, src)
	}

	mux := logsource.NewCaptureMux(ctx, sources, cfg.MuxBufferSize)
	mux.Start()

	printStartupBanner(stdout, cfg, mux.SourceNames(), len(sinks) > 1)

	// Use errgroup for concurrent goroutine lifecycle management.
	g, gctx := errgroup.WithContext(ctx)

	if mux.HasSources() {
		captures := mux.Captures()
		if captureJournal != nil {
			captures = captureJournal.Record(gctx, captures, logger)
		}
		g.Go(func() error {
			return processor.Consume(gctx, captures)
		})
	}

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
	}

	cancel()
	mux.Stop()
	signal.Stop(sigCh)

	written, failed := runBuffer.Stats()
	logger.Info("server stopped", "runs_written", written, "runs_failed", failed)
	return nil
}

// replayUncommittedJournal reprocesses captures received before the last
// shutdown whose runs never reached the store.
func replayUncommittedJournal(ctx context.Context, j *journal.Journal, p *engine.Processor, logger *slog.Logger) error {
	if j == nil || j.Pending() == 0 {
		return nil
	}

	replayed, failed := 0, 0
	err := j.Replay(func(c model.Capture) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := p.Process(ctx, c); err != nil {
			failed++
			logger.Warn("journaled capture failed", "seq", c.JournalSeq, "agent", string(c.Session.Agent), "error", err)
			return nil
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("capture journal replayed", "replayed", replayed, "failed", failed)
	return nil
}

func printStartupBanner(w io.Writer, cfg appConfig, sources []string, exporting bool) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	status := func(label string, on bool, value string) string {
		if on {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
	}

	logo := cyan.Bold(true).Render(`
    ┌─┐┬─┐┌─┐┌┐ ┌─┐┬  ┌─┐┌─┐
    ├─┘├┬┘│ │├┴┐├┤ │  │ ││ ┬
    ┴  ┴└─└─┘└─┘└─┘┴─┘└─┘└─┘`)
	separator := dim.Render("    ─────────────────────────────────")

	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Intake"), "")
	lines = append(lines, status("HTTP API", cfg.APIEnabled, cfg.APIAddr))
	lines = append(lines, status("TCP Captures", cfg.TCPEnabled, cfg.TCPAddr))
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Unix Socket", cyan.Render(shortenPath(cfg.SocketPath))))
	if len(sources) > 0 {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Sources", dim.Render(strings.Join(sources, ", "))))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Results"), "")
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Storage", dim.Render(shortenPath(cfg.DBPath))))
	retention := "disabled"
	if cfg.RunRetentionDays > 0 {
		retention = fmt.Sprintf("%d days", cfg.RunRetentionDays)
	}
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Retention", dim.Render(retention)))
	lines = append(lines, status("Journal", cfg.JournalEnabled, shortenPath(cfg.JournalPath)))
	lines = append(lines, status("Archives", cfg.ArchiveEnabled, shortenPath(cfg.ArchiveDir)))
	lines = append(lines, status("OTLP Export", exporting, cfg.OTLPEndpoint))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Workers", dim.Render(fmt.Sprint(cfg.Workers))))

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
