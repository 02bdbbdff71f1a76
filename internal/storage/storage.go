// Package storage is the object-storage layer for original images and
// thumbnails. One Storage interface covers three backends: the local
// filesystem, any S3-compatible object store, and a disabled backend whose
// every operation fails.
//
// Paths are forward-slash separated and relative to the storage root.
// Originals live at "{id}.{format}", thumbnails at "thumbnails/{id}.webp",
// and soft-deleted originals are moved under "_deleted/".
//
// Backend errors are translated into apperr storage codes
// (storage.local.not_found, storage.remote.permission, ...) so callers
// never inspect os or S3 error types.
package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"imagesearch/internal/apperr"
	"imagesearch/internal/config"

	"github.com/bmatcuk/doublestar/v4"
)

// Kind identifies the active backend.
type Kind string

const (
	KindLocal    Kind = "local"
	KindS3       Kind = "s3"
	KindDisabled Kind = "disabled"
)

const (
	ThumbnailsDir = "thumbnails"
	DeletedDir    = "_deleted"
)

// ImageExtensions is the default extension filter for List.
var ImageExtensions = []string{".jpg", ".png", ".jpeg", ".jfif", ".webp", ".gif"}

// Storage is the backend-agnostic object store.
// Implementations must be safe for concurrent use.
type Storage interface {
	Kind() Kind

	// Exists reports whether the file exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Size returns the file size in bytes.
	Size(ctx context.Context, path string) (int64, error)

	// URL returns the canonical URL stored in the image payload.
	URL(ctx context.Context, path string) (string, error)

	// PresignURL returns a time-limited URL granting read access.
	PresignURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	Fetch(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, data []byte, path string) error

	// UploadFile copies a file from the local filesystem into the store.
	UploadFile(ctx context.Context, localPath, path string) error

	Copy(ctx context.Context, src, dst string) error

	// Move relocates src to dst. Without a native rename this is a copy
	// followed by a delete of src; a failed copy leaves src untouched.
	Move(ctx context.Context, src, dst string) error

	// Delete removes the file. A missing file is a not-found error.
	Delete(ctx context.Context, path string) error

	// List walks dir recursively and calls fn with batches of at most
	// batchSize matching paths (0 means one batch). pattern is a glob
	// matched against the path relative to dir; exts filters by
	// case-insensitive extension (nil means ImageExtensions).
	List(ctx context.Context, dir, pattern string, batchSize int, exts []string, fn func(batch []string) error) error
}

// New constructs the backend selected by cfg.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch Kind(cfg.Method) {
	case KindLocal:
		l, err := NewLocal(cfg.Local.Path)
		if err != nil {
			return nil, err
		}
		return l, l.PreCheck()
	case KindS3:
		return NewS3FromConfig(ctx, cfg.S3)
	case KindDisabled:
		return NewDisabled(), nil
	}
	return nil, apperr.Errorf(apperr.CodeConfigInvalid, "unknown storage method %q", cfg.Method)
}

// lister accumulates matching paths and flushes them in batches.
type lister struct {
	pattern   string
	exts      map[string]bool
	batchSize int
	fn        func([]string) error
	batch     []string
	cbErr     error
}

func newLister(pattern string, batchSize int, exts []string, fn func([]string) error) (*lister, error) {
	if pattern == "" {
		pattern = "**"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, apperr.Errorf(apperr.CodeRequestInvalid, "invalid glob pattern %q", pattern)
	}
	if exts == nil {
		exts = ImageExtensions
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.ToLower(e)] = true
	}
	return &lister{pattern: pattern, exts: set, batchSize: batchSize, fn: fn}, nil
}

// add offers rel (relative to the listed dir) and full (relative to the
// storage root). Matching paths are reported as full.
func (l *lister) add(rel, full string) error {
	if strings.HasSuffix(rel, "/") {
		return nil
	}
	if !l.exts[strings.ToLower(path.Ext(rel))] {
		return nil
	}
	if ok, _ := doublestar.Match(l.pattern, rel); !ok {
		return nil
	}
	l.batch = append(l.batch, full)
	if l.batchSize > 0 && len(l.batch) >= l.batchSize {
		return l.flush()
	}
	return nil
}

func (l *lister) flush() error {
	if len(l.batch) == 0 {
		return nil
	}
	batch := l.batch
	l.batch = nil
	if err := l.fn(batch); err != nil {
		l.cbErr = err
		return err
	}
	return nil
}

func cleanPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}
