package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/storybookflow/internal/gcp"
)

// Store persists an artifact under name and returns its served URL.
type Store interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// GCSStore writes artifacts into a Cloud Storage bucket.
type GCSStore struct {
	bucket     *storage.BucketHandle
	bucketName string
	// Prefix is prepended to every object name.
	Prefix string
	// PublicBase overrides https://storage.googleapis.com/<bucket>.
	PublicBase string
	Now        func() time.Time
}

func NewGCSStore(client *storage.Client, bucketName, prefix string) *GCSStore {
	return &GCSStore{
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
		Prefix:     prefix,
		Now:        time.Now,
	}
}

func (s *GCSStore) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	object := Join(s.Prefix, name)
	if err := gcp.UploadBytes(ctx, s.bucket, object, contentType, data); err != nil {
		return "", err
	}
	base := s.PublicBase
	if base == "" {
		base = "https://storage.googleapis.com/" + s.bucketName
	}
	served := strings.TrimSuffix(base, "/") + "/" + object
	slog.Debug("Stored artifact.", "gcsObject", object, "bytes", len(data))
	return CacheBust(served, s.Now()), nil
}

// DirStore writes artifacts into a local directory. URLs are file paths
// unless BaseURL is set.
type DirStore struct {
	Root    string
	BaseURL string
	Now     func() time.Time
}

func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root, Now: time.Now}
}

func (s *DirStore) Put(_ context.Context, name, _ string, data []byte) (string, error) {
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("artifacts: invalid name %q", name)
	}
	full := filepath.Join(s.Root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", full, err)
	}
	served := full
	if s.BaseURL != "" {
		served = strings.TrimSuffix(s.BaseURL, "/") + "/" + name
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return CacheBust(served, now()), nil
}
