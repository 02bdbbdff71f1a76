package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Local implements Storage on the local filesystem. Files are served by the
// HTTP layer under /static/, so URL and PresignURL are the same path.
type Local struct {
	root string
}

var _ Storage = (*Local)(nil)

// NewLocal creates a Local store rooted at dir.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, translateOS(err, sideRemote, "resolve root", dir)
	}
	return &Local{root: abs}, nil
}

// Root is the absolute directory backing the store.
func (l *Local) Root() string {
	return l.root
}

// PreCheck creates the root, thumbnails and deleted directories.
func (l *Local) PreCheck() error {
	for _, dir := range []string{l.root, l.resolve(ThumbnailsDir), l.resolve(DeletedDir)} {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return translateOS(err, sideRemote, "create directory", dir)
		}
		slog.Warn("storage directory not found, created", "dir", dir)
	}
	return nil
}

func (l *Local) Kind() Kind { return KindLocal }

func (l *Local) resolve(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(cleanPath(p)))
}

func (l *Local) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(l.resolve(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, translateOS(err, sideRemote, "stat", p)
}

func (l *Local) Size(_ context.Context, p string) (int64, error) {
	info, err := os.Stat(l.resolve(p))
	if err != nil {
		return 0, translateOS(err, sideRemote, "stat", p)
	}
	return info.Size(), nil
}

func (l *Local) URL(_ context.Context, p string) (string, error) {
	return "/static/" + cleanPath(p), nil
}

func (l *Local) PresignURL(ctx context.Context, p string, _ time.Duration) (string, error) {
	return l.URL(ctx, p)
}

func (l *Local) Fetch(_ context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(p))
	if err != nil {
		return nil, translateOS(err, sideRemote, "fetch", p)
	}
	return data, nil
}

func (l *Local) Upload(_ context.Context, data []byte, p string) error {
	full := l.resolve(p)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return translateOS(err, sideRemote, "upload", p)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return translateOS(err, sideRemote, "upload", p)
	}
	slog.Info("uploaded file via local storage", "bytes", len(data), "path", p)
	return nil
}

func (l *Local) UploadFile(_ context.Context, localPath, p string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return translateOS(err, sideLocal, "open local file", localPath)
	}
	defer src.Close()
	if err := l.copyFrom(src, p); err != nil {
		return err
	}
	slog.Info("uploaded file via local storage", "source", localPath, "path", p)
	return nil
}

func (l *Local) Copy(_ context.Context, srcPath, dst string) error {
	src, err := os.Open(l.resolve(srcPath))
	if err != nil {
		return translateOS(err, sideRemote, "copy", srcPath)
	}
	defer src.Close()
	return l.copyFrom(src, dst)
}

func (l *Local) copyFrom(src io.Reader, dst string) error {
	full := l.resolve(dst)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return translateOS(err, sideRemote, "copy", dst)
	}
	out, err := os.Create(full)
	if err != nil {
		return translateOS(err, sideRemote, "copy", dst)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(full)
		return translateOS(err, sideRemote, "copy", dst)
	}
	return translateOS(out.Close(), sideRemote, "copy", dst)
}

// Move renames within the root; rename is atomic so a failure leaves the
// source in place.
func (l *Local) Move(_ context.Context, src, dst string) error {
	from, to := l.resolve(src), l.resolve(dst)
	if _, err := os.Stat(from); err != nil {
		return translateOS(err, sideRemote, "move", src)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return translateOS(err, sideRemote, "move", dst)
	}
	if err := os.Rename(from, to); err != nil {
		return translateOS(err, sideRemote, "move", dst)
	}
	slog.Info("moved file via local storage", "from", src, "to", dst)
	return nil
}

func (l *Local) Delete(_ context.Context, p string) error {
	if err := os.Remove(l.resolve(p)); err != nil {
		return translateOS(err, sideRemote, "delete", p)
	}
	slog.Info("deleted file via local storage", "path", p)
	return nil
}

func (l *Local) List(ctx context.Context, dir, pattern string, batchSize int, exts []string, fn func([]string) error) error {
	ls, err := newLister(pattern, batchSize, exts, fn)
	if err != nil {
		return err
	}
	base := l.resolve(dir)
	err = filepath.WalkDir(base, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		return ls.add(rel, path.Join(cleanPath(dir), rel))
	})
	if ls.cbErr != nil {
		return ls.cbErr
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return translateOS(err, sideRemote, "list", dir)
	}
	return ls.flush()
}
