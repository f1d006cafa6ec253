package archive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

type fakeExporter struct {
	files map[string]string
	err   error
}

func (f *fakeExporter) ExportParquet(_ context.Context, dir string) error {
	if f.err != nil {
		return f.err
	}
	for name, body := range f.files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func quietConfig(dir string) Config {
	return Config{
		Enabled:  true,
		LocalDir: dir,
		KeepLast: 2,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func readTarZst(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()

	out := make(map[string]string)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		out[hdr.Name] = string(body)
	}
}

func TestNewManager_Disabled(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&fakeExporter{}, Config{})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil manager when disabled")
	}
}

func TestNewManager_EnabledRequiresLocalDir(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(&fakeExporter{}, Config{Enabled: true}); err == nil {
		t.Fatal("expected error for empty local dir")
	}
}

func TestRunOnce_PacksExportedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := newManager(&fakeExporter{files: map[string]string{
		"schema.sql":   "CREATE TABLE runs(id VARCHAR);",
		"runs.parquet": "PAR1",
	}}, quietConfig(dir), nil)

	path, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got := readTarZst(t, path)
	if got["schema.sql"] != "CREATE TABLE runs(id VARCHAR);" || got["runs.parquet"] != "PAR1" {
		t.Fatalf("archive contents = %v", got)
	}

	var leftovers []string
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && p != dir {
			leftovers = append(leftovers, p)
		}
		return nil
	})
	if len(leftovers) != 0 {
		t.Fatalf("staging directories left behind: %v", leftovers)
	}
}

func TestRunOnce_PrunesOldArchives(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := newManager(&fakeExporter{files: map[string]string{"schema.sql": "x"}}, quietConfig(dir), nil)

	var made []string
	for i := 0; i < 3; i++ {
		path, err := m.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce #%d: %v", i+1, err)
		}
		made = append(made, path)
		time.Sleep(2 * time.Millisecond)
	}

	files, err := filepath.Glob(filepath.Join(dir, "probelog-*.tar.zst"))
	if err != nil {
		t.Fatalf("glob archives: %v", err)
	}
	sort.Strings(files)
	if len(files) != 2 || files[0] != made[1] || files[1] != made[2] {
		t.Fatalf("archives = %v, want the last two of %v", files, made)
	}
}

func TestRunOnce_ExportError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := newManager(&fakeExporter{err: errors.New("locked")}, quietConfig(dir), nil)
	if _, err := m.RunOnce(context.Background()); err == nil {
		t.Fatal("expected export error")
	}
	if files, _ := filepath.Glob(filepath.Join(dir, "*")); len(files) != 0 {
		t.Fatalf("files left after failed export: %v", files)
	}
}

type blockingUploader struct {
	started chan struct{}
	once    sync.Once
}

func (u *blockingUploader) UploadFile(ctx context.Context, _ string) error {
	u.once.Do(func() { close(u.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestStop_CancelsInFlightUpload(t *testing.T) {
	t.Parallel()

	cfg := quietConfig(t.TempDir())
	cfg.Interval = 5 * time.Millisecond
	uploader := &blockingUploader{started: make(chan struct{})}
	m := newManager(&fakeExporter{files: map[string]string{"schema.sql": "x"}}, cfg, uploader)

	m.wg.Add(1)
	go m.loop()

	select {
	case <-uploader.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upload to start")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; upload likely not canceled")
	}
}
