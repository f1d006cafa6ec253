package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/probelog/internal/engine"
	"github.com/tinytelemetry/probelog/internal/logsource"
	"github.com/tinytelemetry/probelog/internal/model"
)

type sessionFlags struct {
	agent     string
	device    string
	start     string
	threshold time.Duration
	// thresholdSet is true when -threshold was given, so 0s is honored.
	thresholdSet bool
	parallel     int
	udp          bool
	role         string
}

// session builds the capture session. A missing start keeps every record.
func (f sessionFlags) session() (model.Session, error) {
	var s model.Session
	var err error
	if f.agent != "" {
		if s.Agent, err = model.ParseAgent(f.agent); err != nil {
			return s, err
		}
	}
	if s.Start, err = parseStart(f.start); err != nil {
		return s, err
	}
	if f.threshold < 0 {
		return s, fmt.Errorf("invalid threshold %s", f.threshold)
	}
	if s.Role, err = model.ParseRole(f.role); err != nil {
		return s, err
	}
	s.Device = f.device
	if f.thresholdSet || f.threshold != 0 {
		s.SetThreshold(f.threshold)
	}
	s.Parallel = f.parallel
	s.UDP = f.udp
	return s, nil
}

// parseStart accepts RFC 3339 or epoch milliseconds.
func parseStart(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start %q: want RFC 3339 or epoch milliseconds", v)
	}
	return t, nil
}

func runParse(args []string, stdout io.Writer) error {
	var (
		configPath string
		sf         sessionFlags
		output     string
		chart      string
	)
	fs := newFlagSet("parse", &configPath)
	fs.StringVar(&sf.agent, "agent", "", "agent that produced the capture: ping, resources, iperf, exoplayer")
	fs.StringVar(&sf.device, "device", "", "device identifier")
	fs.StringVar(&sf.start, "start", "", "session start (RFC 3339 or epoch ms); empty keeps every record")
	fs.DurationVar(&sf.threshold, "threshold", 0, "logcat threshold subtracted from start; 0s disables it (default from config)")
	fs.IntVar(&sf.parallel, "parallel", 0, "iperf parallel streams")
	fs.BoolVar(&sf.udp, "udp", false, "iperf capture is UDP")
	fs.StringVar(&sf.role, "role", "client", "iperf role: client or server")
	fs.StringVar(&output, "o", formatText, "output format: text, json, yaml, otlp-json")
	fs.StringVar(&chart, "chart", "", "draw a bar chart of the named column (text output)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "threshold" {
			sf.thresholdSet = true
		}
	})
	if err := validateFormat(output); err != nil {
		return err
	}

	session, err := sf.session()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg)

	eng := engine.New(engine.Config{
		Logger:     logger,
		Location:   cfg.location(),
		DelayPairs: cfg.DelayPairs,
		Thresholds: cfg.thresholds(),
	})

	var runs []*model.Run
	if fs.NArg() == 0 {
		c, err := readCapture(os.Stdin, session, cfg.MaxLineSize)
		if err != nil {
			return err
		}
		run, err := eng.Run(c)
		if err != nil {
			return err
		}
		runs = append(runs, run)
	} else {
		if runs, err = parseFiles(eng, fs.Args(), session, cfg); err != nil {
			return err
		}
	}

	return renderRuns(stdout, runs, output, chart)
}

// parseFiles runs every file through the engine concurrently, bounded by
// the workers setting. Results keep the argument order.
func parseFiles(eng *engine.Engine, paths []string, session model.Session, cfg appConfig) ([]*model.Run, error) {
	runs := make([]*model.Run, len(paths))

	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for i, path := range paths {
		g.Go(func() error {
			c, err := logsource.ReadFile(path, session, cfg.MaxLineSize)
			if err != nil {
				return err
			}
			run, err := eng.Run(c)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			runs[i] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

func readCapture(r io.Reader, session model.Session, maxLineSize int) (model.Capture, error) {
	rc, err := logsource.Decompress(r)
	if err != nil {
		return model.Capture{}, fmt.Errorf("reading stdin: %w", err)
	}
	defer rc.Close()

	lines, err := logsource.ReadLines(rc, maxLineSize)
	if err != nil {
		return model.Capture{}, fmt.Errorf("reading stdin: %w", err)
	}
	c, err := logsource.Build(lines, session, "stdin")
	if err != nil {
		return model.Capture{}, fmt.Errorf("stdin: %w", err)
	}
	return c, nil
}
