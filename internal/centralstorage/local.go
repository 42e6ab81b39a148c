package centralstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalDisk stores blobs as files below a directory. The reference of a
// blob is its key.
type LocalDisk struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu sync.RWMutex
}

func NewLocalDisk(dir string, logger *zap.Logger) (*LocalDisk, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create central storage dir: %w", err)
	}
	return &LocalDisk{dir: dir, logger: logger.Named("central.local"), now: time.Now}, nil
}

func (l *LocalDisk) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(l.dir, clean), nil
}

func (l *LocalDisk) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	dest, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	l.mu.Lock()
	err = os.Rename(tmpPath, dest)
	l.mu.Unlock()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

func (l *LocalDisk) Download(ctx context.Context, ref string, w io.Writer) (int64, error) {
	src, err := l.path(ref)
	if err != nil {
		return 0, err
	}
	l.mu.RLock()
	f, err := os.Open(src)
	l.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", ref, err)
	}
	defer f.Close()

	n, err := io.Copy(w, readerWithContext(ctx, f))
	if err != nil {
		return n, fmt.Errorf("download %s: %w", ref, err)
	}
	return n, nil
}

func (l *LocalDisk) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := l.now().Add(-retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("prune: %w", err)
	}
	if removed > 0 {
		l.logger.Info("Pruned central storage", zap.Int("count", removed), zap.Duration("retention", retention))
	}
	return removed, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}
