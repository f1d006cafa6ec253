// Package archive periodically exports stored results as Parquet, packs them
// into a zstd tarball and optionally uploads it to S3.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultInterval = 24 * time.Hour
	defaultKeepLast = 7

	filePrefix = "probelog-"
	fileSuffix = ".tar.zst"
)

// Manager runs periodic archives and optional remote uploads.
type Manager struct {
	store    Exporter
	cfg      Config
	uploader Uploader
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager validates cfg and starts the archive loop. It returns nil when
// archiving is disabled.
func NewManager(store Exporter, cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, errors.New("archive: nil exporter")
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, errors.New("archive: local-dir is required when archiving is enabled")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create local-dir: %w", err)
	}

	var uploader Uploader
	if strings.TrimSpace(cfg.BucketURL) != "" {
		s3u, err := NewS3Uploader(S3Config{
			BucketURL:    cfg.BucketURL,
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			SessionToken: cfg.S3SessionToken,
			UseSSL:       cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: init s3 uploader: %w", err)
		}
		uploader = s3u
	}

	m := newManager(store, cfg, uploader)
	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func newManager(store Exporter, cfg Config, uploader Uploader) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    store,
		cfg:      cfg,
		uploader: uploader,
		log:      logger.With("component", "archive"),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunOnce(m.ctx); err != nil && m.ctx.Err() == nil {
				m.log.Error("periodic archive failed", "error", err)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// RunOnce exports one archive, uploads it when configured, prunes old local
// archives and returns the archive path.
func (m *Manager) RunOnce(ctx context.Context) (string, error) {
	name := filePrefix + time.Now().UTC().Format("20060102-150405.000")
	staging := filepath.Join(m.cfg.LocalDir, "."+name)
	archivePath := filepath.Join(m.cfg.LocalDir, name+fileSuffix)
	defer os.RemoveAll(staging)

	if err := m.store.ExportParquet(ctx, staging); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	if err := writeTarZst(staging, archivePath); err != nil {
		return "", fmt.Errorf("pack: %w", err)
	}
	m.log.Info("archive created", "path", archivePath)

	if m.uploader != nil {
		if err := m.uploader.UploadFile(ctx, archivePath); err != nil {
			return archivePath, fmt.Errorf("upload: %w", err)
		}
		m.log.Info("archive uploaded", "file", filepath.Base(archivePath))
	}

	if err := pruneLocalArchives(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return archivePath, fmt.Errorf("prune local archives: %w", err)
	}
	return archivePath, nil
}

// Stop cancels an in-flight upload and waits for the loop to exit.
func (m *Manager) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func pruneLocalArchives(localDir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(localDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return err
	}
	if len(matches) <= keepLast {
		return nil
	}

	// The UTC timestamp in the name sorts chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	for _, oldPath := range matches[keepLast:] {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
