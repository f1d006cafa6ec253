package logsource

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/probelog/internal/model"
)

const captureText = "03-01 10:00:01.000  1 2 I ping.Report: <<< Timestamp: 1 ; Time:0 ; Delay:1 >>>\r\n\n" +
	"03-01 10:00:02.000  1 2 I ping.Report: <<< Timestamp: 2 ; Time:1 ; Delay:2 >>>\n"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var pingSession = model.Session{Agent: model.AgentPing, Start: time.Date(2026, 3, 1, 10, 0, 15, 0, time.UTC)}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := io.WriteString(w, s)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = io.WriteString(w, s)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestReadFile_Compression(t *testing.T) {
	t.Parallel()

	for name, data := range map[string][]byte{
		"plain.log":   []byte(captureText),
		"capture.gz":  gzipped(t, captureText),
		"capture.zst": zstded(t, captureText),
		// Detection goes by content, not extension.
		"misnamed.log": gzipped(t, captureText),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := writeFile(t, name, data)
			c, err := ReadFile(path, pingSession, 0)
			require.NoError(t, err)
			assert.Len(t, c.Lines, 2)
			assert.False(t, strings.HasSuffix(c.Lines[0], "\r"))
			assert.Equal(t, "file:"+path, c.Source)
			assert.Equal(t, pingSession, c.Session)
		})
	}
}

func TestReadFile_HeaderLineOverridesSession(t *testing.T) {
	t.Parallel()

	header := `{"agent":"iperf","start":"2026-03-01T10:00:15Z","parallel":2,"role":"server"}` + "\n"
	c, err := ReadFile(writeFile(t, "h.log", []byte(header+captureText)), pingSession, 0)
	require.NoError(t, err)
	assert.Equal(t, model.AgentIPerf, c.Session.Agent)
	assert.Equal(t, 2, c.Session.Parallel)
	assert.Len(t, c.Lines, 2)
}

func TestReadFile_Errors(t *testing.T) {
	t.Parallel()

	_, err := ReadFile(writeFile(t, "empty.log", []byte("\n\n")), pingSession, 0)
	assert.ErrorIs(t, err, ErrEmptyCapture)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.log"), pingSession, 0)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = ReadFile(writeFile(t, "long.log", []byte(strings.Repeat("x", 100)+"\n")), pingSession, 10)
	assert.Error(t, err)
}

func drain(t *testing.T, ch <-chan model.Capture) []model.Capture {
	t.Helper()
	var out []model.Capture
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("timed out draining captures")
		}
	}
}

func TestFileSource_SkipsBadFiles(t *testing.T) {
	t.Parallel()

	good := writeFile(t, "a.log", []byte(captureText))
	empty := writeFile(t, "b.log", nil)
	src := NewFileSource(context.Background(), []string{good, empty, good}, pingSession, FileConfig{Logger: quiet})
	defer src.Stop()

	assert.Len(t, drain(t, src.Captures()), 2)
}

func TestStdinSource_ReadsOneCapture(t *testing.T) {
	t.Parallel()

	src := newStdinSourceWithReader(context.Background(), pingSession, bytes.NewReader(zstded(t, captureText)), StdinConfig{Logger: quiet})
	got := drain(t, src.Captures())
	require.Len(t, got, 1)
	assert.Equal(t, "stdin", got[0].Source)
	assert.Len(t, got[0].Lines, 2)
}

func TestStdinSourceStopClosesCaptures(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	src := newStdinSourceWithReader(context.Background(), pingSession, r, StdinConfig{Logger: quiet})
	src.Stop()
	src.Stop()

	assert.Empty(t, drain(t, src.Captures()))
}

type fakeSource struct {
	name     string
	captures chan model.Capture
	stopped  chan struct{}
}

func newFakeSource(name string, buffer int) *fakeSource {
	return &fakeSource{
		name:     name,
		captures: make(chan model.Capture, buffer),
		stopped:  make(chan struct{}),
	}
}

func (s *fakeSource) Captures() <-chan model.Capture { return s.captures }
func (s *fakeSource) Name() string                   { return s.name }

func (s *fakeSource) Stop() {
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
		close(s.captures)
	}
}

func TestCaptureMux_ForwardsFromAllSources(t *testing.T) {
	t.Parallel()

	a := newFakeSource("a", 2)
	b := newFakeSource("b", 2)
	mux := NewCaptureMux(context.Background(), []CaptureSource{a, b}, 4)
	mux.Start()
	defer mux.Stop()

	assert.Equal(t, []string{"a", "b"}, mux.SourceNames())

	a.captures <- model.Capture{Source: "a"}
	b.captures <- model.Capture{Source: "b"}
	a.Stop()
	b.Stop()

	var sources []string
	for _, c := range drain(t, mux.Captures()) {
		sources = append(sources, c.Source)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, sources)
}

func TestCaptureMux_StopInvokesSourceStop(t *testing.T) {
	t.Parallel()

	src := newFakeSource("x", 1)
	mux := NewCaptureMux(context.Background(), []CaptureSource{src}, 1)
	mux.Start()
	mux.Stop()

	select {
	case <-src.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected source Stop() to be called")
	}
}

func TestCaptureMux_NoSourcesClosesImmediately(t *testing.T) {
	t.Parallel()

	mux := NewCaptureMux(context.Background(), nil, 0)
	mux.Start()
	assert.False(t, mux.HasSources())
	assert.Empty(t, drain(t, mux.Captures()))
}

func TestBuild_BadHeader(t *testing.T) {
	t.Parallel()

	_, err := Build([]string{`{"agent":"dns"}`, "x"}, pingSession, "test")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEmptyCapture))
}
