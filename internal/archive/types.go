package archive

import (
	"context"
	"log/slog"
	"time"
)

// Config controls periodic result archives.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	LocalDir  string
	KeepLast  int
	BucketURL string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool

	Logger *slog.Logger
}

// Exporter writes the result database to a directory of Parquet files.
type Exporter interface {
	ExportParquet(ctx context.Context, dir string) error
}

// Uploader uploads one archive file.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) error
}
