package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/storybookflow/internal/gcp"
	"github.com/patrickmn/go-cache"
)

// ErrUnsupportedRef is returned for references no source understands.
var ErrUnsupportedRef = errors.New("artifacts: unsupported reference")

// Source fetches artifact bytes by reference: a gs:// URI, a served
// storage.googleapis.com URL, or a local path.
type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// ParseGCSRef extracts bucket and object from gs://bucket/object or
// https://storage.googleapis.com/bucket/object. The version query is ignored.
func ParseGCSRef(ref string) (bucket, object string, ok bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", false
	}
	var p string
	switch {
	case u.Scheme == "gs":
		bucket, p = u.Host, strings.TrimPrefix(u.Path, "/")
	case (u.Scheme == "https" || u.Scheme == "http") && u.Host == "storage.googleapis.com":
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if len(parts) != 2 {
			return "", "", false
		}
		bucket, p = parts[0], parts[1]
	default:
		return "", "", false
	}
	if bucket == "" || p == "" {
		return "", "", false
	}
	return bucket, p, true
}

// GCSSource reads objects from Cloud Storage.
type GCSSource struct {
	client *storage.Client
}

func NewGCSSource(client *storage.Client) *GCSSource {
	return &GCSSource{client: client}
}

func (s *GCSSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	bucket, object, ok := ParseGCSRef(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
	}
	return gcp.ReadObject(ctx, s.client, bucket, object)
}

// FileSource reads local files. Relative references resolve against Root.
type FileSource struct {
	Root string
}

func (s FileSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := localPath(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
	}
	if !filepath.IsAbs(p) && s.Root != "" {
		p = filepath.Join(s.Root, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", p, err)
	}
	return data, nil
}

func localPath(ref string) (string, bool) {
	if strings.HasPrefix(ref, "file://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", false
		}
		return u.Path, true
	}
	if strings.Contains(ref, "://") {
		return "", false
	}
	if i := strings.Index(ref, "?"); i >= 0 {
		ref = ref[:i]
	}
	return ref, ref != ""
}

// Router dispatches GCS references to GCS and everything else to Local.
type Router struct {
	GCS   Source
	Local Source
}

func (r Router) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if _, _, ok := ParseGCSRef(ref); ok {
		if r.GCS == nil {
			return nil, fmt.Errorf("%w: no storage client for %s", ErrUnsupportedRef, ref)
		}
		return r.GCS.Fetch(ctx, ref)
	}
	if r.Local == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
	}
	return r.Local.Fetch(ctx, ref)
}

// CachedSource memoizes fetches. References carry a version parameter, so
// a regenerated image is a different key.
type CachedSource struct {
	next  Source
	cache *cache.Cache
}

func NewCachedSource(next Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (s *CachedSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if v, ok := s.cache.Get(ref); ok {
		return v.([]byte), nil
	}
	data, err := s.next.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(ref, data)
	return data, nil
}

// Len reports how many entries are cached.
func (s *CachedSource) Len() int {
	return s.cache.ItemCount()
}
