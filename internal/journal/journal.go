// Package journal keeps received captures on disk until their runs are
// published, so a crash or restart does not lose them.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/probelog/internal/model"
)

const (
	defaultFileMode = 0o644
	defaultDirMode  = 0o755

	maxEntrySize = 256 * 1024 * 1024
)

type entry struct {
	Seq         uint64      `json:"seq"`
	Agent       model.Agent `json:"agent"`
	Device      string      `json:"device,omitempty"`
	Start       time.Time   `json:"start"`
	ThresholdMS *int64      `json:"threshold_ms,omitempty"`
	Parallel    int         `json:"parallel,omitempty"`
	UDP         bool        `json:"udp,omitempty"`
	Role        model.Role  `json:"role,omitempty"`
	Source      string      `json:"source,omitempty"`
	Lines       []string    `json:"lines"`
}

func entryOf(seq uint64, c model.Capture) entry {
	s := c.Session
	e := entry{
		Seq:      seq,
		Agent:    s.Agent,
		Device:   s.Device,
		Start:    s.Start,
		Parallel: s.Parallel,
		UDP:      s.UDP,
		Role:     s.Role,
		Source:   c.Source,
		Lines:    c.Lines,
	}
	if s.HasThreshold() {
		ms := s.Threshold.Milliseconds()
		e.ThresholdMS = &ms
	}
	return e
}

func (e entry) capture() model.Capture {
	c := model.Capture{
		Session: model.Session{
			Agent:    e.Agent,
			Device:   e.Device,
			Start:    e.Start,
			Parallel: e.Parallel,
			UDP:      e.UDP,
			Role:     e.Role,
		},
		Lines:      e.Lines,
		Source:     e.Source,
		JournalSeq: e.Seq,
	}
	if e.ThresholdMS != nil {
		c.Session.SetThreshold(time.Duration(*e.ThresholdMS) * time.Millisecond)
	}
	return c
}

// Journal is a durable append-only log of captures. It stores one JSON entry
// per line and tracks the acknowledged prefix in a sidecar file.
//
// Captures may be acknowledged in any order; the persisted watermark only
// advances over a contiguous run of acknowledged sequences.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	nextSeq    uint64
	committed  uint64
	acked      map[uint64]struct{}
}

// Open creates or opens a journal at path. On startup it compacts committed
// entries and ignores a partially written trailing line.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}

	maxSeq, err := compactCommitted(path, committed)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	return &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		nextSeq:    max(maxSeq, committed) + 1,
		committed:  committed,
		acked:      make(map[uint64]struct{}),
	}, nil
}

// Append persists one capture and returns its sequence number.
func (j *Journal) Append(c model.Capture) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return 0, errors.New("journal: closed")
	}

	seq := j.nextSeq
	line, err := json.Marshal(entryOf(seq, c))
	if err != nil {
		return 0, fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync entry: %w", err)
	}
	j.nextSeq++
	return seq, nil
}

// Ack marks seq as done and persists the new watermark when it advances.
func (j *Journal) Ack(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq <= j.committed {
		return nil
	}
	j.acked[seq] = struct{}{}

	next := j.committed
	for {
		if _, ok := j.acked[next+1]; !ok {
			break
		}
		delete(j.acked, next+1)
		next++
	}
	if next == j.committed {
		return nil
	}
	j.committed = next
	return writeCommitted(j.commitPath, next)
}

// Committed returns the highest committed sequence number.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Pending returns how many appended captures are not yet committed.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return int(j.nextSeq - 1 - j.committed)
}

// Replay calls fn for each uncommitted capture in sequence order. The
// capture's JournalSeq is set.
func (j *Journal) Replay(fn func(c model.Capture) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path := j.path
	committed := j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	return scanEntries(f, func(e entry, _ []byte) error {
		if e.Seq <= committed {
			return nil
		}
		return fn(e.capture())
	})
}

// Record appends every capture from in before forwarding it with its
// JournalSeq set. A capture that cannot be journaled is still forwarded.
// The returned channel closes when in closes or ctx is done.
func (j *Journal) Record(ctx context.Context, in <-chan model.Capture, logger *slog.Logger) <-chan model.Capture {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "journal")
	out := make(chan model.Capture)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-in:
				if !ok {
					return
				}
				seq, err := j.Append(c)
				if err != nil {
					log.Error("capture not journaled", "source", c.Source, "error", err)
				}
				c.JournalSeq = seq
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// scanEntries calls fn for each complete entry. It stops at a partial
// trailing line or the first malformed entry.
func scanEntries(r io.Reader, fn func(e entry, line []byte) error) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			line, err = readLongLine(reader, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("journal: read: %w", err)
		}

		var e entry
		if json.Unmarshal(line, &e) != nil {
			return nil
		}
		if err := fn(e, line); err != nil {
			return err
		}
	}
}

// readLongLine finishes a line longer than the reader buffer.
func readLongLine(reader *bufio.Reader, prefix []byte) ([]byte, error) {
	line := append([]byte(nil), prefix...)
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxEntrySize {
			return nil, fmt.Errorf("entry exceeds %d bytes", maxEntrySize)
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	return seq, nil
}

// writeFileSync writes data to path through a synced temp file and rename.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func writeCommitted(path string, seq uint64) error {
	if err := writeFileSync(path, []byte(strconv.FormatUint(seq, 10)+"\n")); err != nil {
		return fmt.Errorf("journal: write commit file: %w", err)
	}
	return nil
}

// compactCommitted rewrites the journal without committed entries and
// returns the highest sequence seen.
func compactCommitted(path string, committed uint64) (uint64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open source for compact: %w", err)
	}
	defer src.Close()

	var (
		kept   []byte
		maxSeq uint64
	)
	err = scanEntries(src, func(e entry, line []byte) error {
		maxSeq = max(maxSeq, e.Seq)
		if e.Seq > committed {
			kept = append(kept, line...)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal: compact: %w", err)
	}
	if err := writeFileSync(path, kept); err != nil {
		return 0, fmt.Errorf("journal: compact: %w", err)
	}
	return maxSeq, nil
}
