package logsource

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/tcpserver"
)

// DefaultMaxLineSize is the default maximum size (in bytes) of a single line.
const DefaultMaxLineSize = 1024 * 1024 // 1MB

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// Decompress wraps r according to its leading magic bytes: gzip and zstd
// streams are decoded, anything else is passed through.
func Decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))

	switch {
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return readCloser{Reader: dec, close: func() error { dec.Close(); return nil }}, nil
	case bytes.HasPrefix(head, gzipMagic):
		dec, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return dec, nil
	}
	return io.NopCloser(br), nil
}

// Open opens a capture file, transparently decompressing .gz and .zst files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc, err := Decompress(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return readCloser{Reader: rc, close: func() error {
		return errors.Join(rc.Close(), f.Close())
	}}, nil
}

// ReadLines reads all non-empty lines of r, trimming trailing carriage
// returns left by adb on some hosts.
func ReadLines(r io.Reader, maxLineSize int) ([]string, error) {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, min(64*1024, maxLineSize)), maxLineSize)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return lines, fmt.Errorf("line exceeds max size (%d bytes): %w", maxLineSize, err)
		}
		if errors.Is(err, gzip.ErrChecksum) {
			return lines, fmt.Errorf("corrupt gzip stream: %w", err)
		}
		return lines, err
	}
	return lines, nil
}

// Build turns raw lines into a capture. When the first line is a JSON
// session header, it replaces session.
func Build(lines []string, session model.Session, source string) (model.Capture, error) {
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "{") {
		hdr, err := tcpserver.ParseSessionHeader([]byte(lines[0]))
		if err != nil {
			return model.Capture{}, err
		}
		session, lines = hdr, lines[1:]
	}
	if len(lines) == 0 {
		return model.Capture{}, ErrEmptyCapture
	}
	return model.Capture{Session: session, Lines: lines, Source: source}, nil
}

// ReadFile reads one capture file.
func ReadFile(path string, session model.Session, maxLineSize int) (model.Capture, error) {
	rc, err := Open(path)
	if err != nil {
		return model.Capture{}, err
	}
	defer rc.Close()

	lines, err := ReadLines(rc, maxLineSize)
	if err != nil {
		return model.Capture{}, fmt.Errorf("reading %s: %w", path, err)
	}
	c, err := Build(lines, session, "file:"+path)
	if err != nil {
		return model.Capture{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
