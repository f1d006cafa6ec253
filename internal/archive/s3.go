package archive

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
)

// S3Config holds S3 uploader parameters for archive uploads.
type S3Config struct {
	BucketURL    string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
}

// S3Uploader uploads archives with the AWS CLI (`aws s3 cp`).
type S3Uploader struct {
	bucket string
	prefix string
	cfg    S3Config
	awsBin string
}

// NewS3Uploader parses cfg.BucketURL (s3://bucket[/prefix]) and locates the
// aws binary. Static credentials are optional; without them the CLI's own
// credential chain applies.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	bucket, prefix, err := parseS3BucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	hasKey := strings.TrimSpace(cfg.AccessKey) != ""
	hasSecret := strings.TrimSpace(cfg.SecretKey) != ""
	if hasKey != hasSecret {
		return nil, fmt.Errorf("s3: access key and secret key must be set together")
	}
	awsBin, err := exec.LookPath("aws")
	if err != nil {
		return nil, fmt.Errorf("s3: aws cli not found in PATH")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	return &S3Uploader{bucket: bucket, prefix: prefix, cfg: cfg, awsBin: awsBin}, nil
}

// Destination returns the s3:// URL localPath is uploaded to.
func (u *S3Uploader) Destination(localPath string) string {
	return "s3://" + path.Join(u.bucket, u.prefix, filepath.Base(localPath))
}

// UploadFile copies localPath to the bucket under the key prefix.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath string) error {
	args := []string{"s3", "cp", localPath, u.Destination(localPath),
		"--region", u.cfg.Region,
		"--content-type", "application/zstd",
		"--only-show-errors",
	}
	if endpoint := normalizeEndpoint(u.cfg.Endpoint, u.cfg.UseSSL); endpoint != "" {
		args = append(args, "--endpoint-url", endpoint)
	}

	cmd := exec.CommandContext(ctx, u.awsBin, args...)
	cmd.Env = append(os.Environ(), "AWS_DEFAULT_REGION="+u.cfg.Region)
	if strings.TrimSpace(u.cfg.AccessKey) != "" {
		cmd.Env = append(cmd.Env,
			"AWS_ACCESS_KEY_ID="+u.cfg.AccessKey,
			"AWS_SECRET_ACCESS_KEY="+u.cfg.SecretKey,
		)
	}
	if strings.TrimSpace(u.cfg.SessionToken) != "" {
		cmd.Env = append(cmd.Env, "AWS_SESSION_TOKEN="+u.cfg.SessionToken)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("s3 upload command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https://"
	if !useSSL {
		scheme = "http://"
	}
	return scheme + endpoint
}

// parseS3BucketURL splits s3://bucket/prefix.
func parseS3BucketURL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse bucket-url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3: bucket-url must use s3:// scheme")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("s3: bucket-url missing bucket name")
	}

	return u.Host, strings.Trim(strings.TrimSpace(u.Path), "/"), nil
}
