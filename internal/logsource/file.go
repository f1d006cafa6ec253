package logsource

import (
	"context"
	"log/slog"

	"github.com/tinytelemetry/probelog/internal/model"
)

// FileConfig holds tunable parameters for the file source.
type FileConfig struct {
	MaxLineSize int
	Logger      *slog.Logger
}

// FileSource emits one capture per file, in order, then closes.
// Unreadable or empty files are logged and skipped.
type FileSource struct {
	ch     chan model.Capture
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFileSource starts reading paths in a background goroutine. session is
// used for every file that carries no header line of its own.
func NewFileSource(ctx context.Context, paths []string, session model.Session, conf ...FileConfig) *FileSource {
	cfg := FileConfig{MaxLineSize: DefaultMaxLineSize, Logger: slog.Default()}
	if len(conf) > 0 {
		if conf[0].MaxLineSize > 0 {
			cfg.MaxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			cfg.Logger = conf[0].Logger
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &FileSource{
		ch:     make(chan model.Capture),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.read(ctx, paths, session, cfg)
	return s
}

func (s *FileSource) read(ctx context.Context, paths []string, session model.Session, cfg FileConfig) {
	defer close(s.done)
	defer close(s.ch)

	log := cfg.Logger.With("component", "file")
	for _, path := range paths {
		c, err := ReadFile(path, session, cfg.MaxLineSize)
		if err != nil {
			log.Error("skipping capture file", "path", path, "error", err)
			continue
		}
		select {
		case s.ch <- c:
		case <-ctx.Done():
			return
		}
	}
}

func (s *FileSource) Captures() <-chan model.Capture { return s.ch }
func (s *FileSource) Name() string                   { return "file" }

// Stop cancels reading and waits for the reader to exit.
func (s *FileSource) Stop() {
	s.cancel()
	<-s.done
}
