// Package media archives documents received over chat gateways. Gateway
// media URLs are short-lived, so the bytes are copied into object storage
// when the message arrives.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/pkg/models"
)

// MaxMediaBytes caps a single archived object.
const MaxMediaBytes = 25 << 20

// Archiver copies a document's media to durable storage and returns the
// object key. An empty key means nothing was archived.
type Archiver interface {
	Kind() string
	Archive(ctx context.Context, doc *models.Document) (string, error)
}

// New returns a MinIO archiver when an endpoint is configured, otherwise
// one that keeps only the gateway URL.
func New(ctx context.Context, cfg config.MediaConfig) (Archiver, error) {
	if cfg.Endpoint == "" {
		return Noop{}, nil
	}
	a, err := NewMinIO(cfg, nil)
	if err != nil {
		return nil, err
	}
	if err := a.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	log.Info().Str("endpoint", cfg.Endpoint).Str("bucket", a.bucket).Msg("🗄️  Media archive enabled")
	return a, nil
}

// Noop keeps the gateway URL only.
type Noop struct{}

func (Noop) Kind() string { return "none" }

func (Noop) Archive(context.Context, *models.Document) (string, error) { return "", nil }

// ── MinIO ───────────────────────────────────────────────────

// MinIO stores media in an S3-compatible bucket.
type MinIO struct {
	mc     *minio.Client
	bucket string
	http   *http.Client
}

// NewMinIO creates a MinIO archiver.
func NewMinIO(cfg config.MediaConfig, httpClient *http.Client) (*MinIO, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("media: access key and secret key are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media: create minio client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "control-plane-media"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &MinIO{mc: mc, bucket: bucket, http: httpClient}, nil
}

func (a *MinIO) Kind() string { return "minio" }

// EnsureBucket creates the bucket if it does not exist.
func (a *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := a.mc.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("media: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.mc.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("media: create bucket: %w", err)
	}
	log.Info().Str("bucket", a.bucket).Msg("Created media bucket")
	return nil
}

// Archive downloads doc.MediaURL and uploads it under
// workspaces/{workspace}/{document id}{ext}.
func (a *MinIO) Archive(ctx context.Context, doc *models.Document) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.MediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("media: build download request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media: download returned %d", resp.StatusCode)
	}

	contentType := doc.MediaType
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := ObjectKey(doc.WorkspaceID, doc.ID, contentType)
	_, err = a.mc.PutObject(ctx, a.bucket, key, io.LimitReader(resp.Body, MaxMediaBytes), -1, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("media: upload %s: %w", key, err)
	}
	return key, nil
}

// ObjectKey builds the archive key for a document.
func ObjectKey(workspaceID, documentID, contentType string) string {
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return path.Join("workspaces", workspaceID, documentID+ext)
}
