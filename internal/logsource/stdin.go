package logsource

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/tinytelemetry/probelog/internal/model"
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	MaxLineSize int
	Logger      *slog.Logger
}

// StdinSource reads a single capture from stdin until EOF. Compressed
// input is detected and decoded.
type StdinSource struct {
	ch     chan model.Capture
	cancel context.CancelFunc
}

// NewStdinSource creates a StdinSource that reads from stdin in a background goroutine.
func NewStdinSource(ctx context.Context, session model.Session, conf ...StdinConfig) *StdinSource {
	return newStdinSourceWithReader(ctx, session, os.Stdin, conf...)
}

func newStdinSourceWithReader(ctx context.Context, session model.Session, r io.Reader, conf ...StdinConfig) *StdinSource {
	cfg := StdinConfig{MaxLineSize: DefaultMaxLineSize, Logger: slog.Default()}
	if len(conf) > 0 {
		if conf[0].MaxLineSize > 0 {
			cfg.MaxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			cfg.Logger = conf[0].Logger
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &StdinSource{
		ch:     make(chan model.Capture, 1),
		cancel: cancel,
	}
	go s.read(ctx, session, r, cfg)
	return s
}

type readResult struct {
	capture model.Capture
	err     error
}

func (s *StdinSource) read(ctx context.Context, session model.Session, r io.Reader, cfg StdinConfig) {
	defer close(s.ch)
	log := cfg.Logger.With("component", "stdin")

	// The blocking read runs on its own goroutine so Stop is not held up
	// by a stdin that never reaches EOF.
	results := make(chan readResult, 1)
	go func() {
		rc, err := Decompress(r)
		if err != nil {
			results <- readResult{err: err}
			return
		}
		defer rc.Close()
		lines, err := ReadLines(rc, cfg.MaxLineSize)
		if err != nil {
			results <- readResult{err: err}
			return
		}
		c, err := Build(lines, session, "stdin")
		results <- readResult{capture: c, err: err}
	}()

	select {
	case <-ctx.Done():
		return
	case res := <-results:
		if res.err != nil {
			log.Error("stdin capture failed", "error", res.err)
			return
		}
		s.ch <- res.capture
	}
}

func (s *StdinSource) Captures() <-chan model.Capture { return s.ch }
func (s *StdinSource) Stop()                          { s.cancel() }
func (s *StdinSource) Name() string                   { return "stdin" }
