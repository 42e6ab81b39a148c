// Package contentstore keeps content-addressed files on local disk,
// laid out as root/TYPE/HEX[:3]/HEX.blob.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/locsync/pkg/types"
)

var ErrNotFound = errors.New("content not found")

const blobExtension = ".blob"

// Store is safe for concurrent use; writes become visible atomically.
type Store struct {
	root string
}

// Info describes a stored blob.
type Info struct {
	Hash    types.ContentHash
	Size    int64
	ModTime time.Time
}

// New creates root if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// Path returns where hash is stored, whether or not it exists.
func (s *Store) Path(hash types.ContentHash) string {
	hx := hash.Hex()
	shard := hx
	if len(shard) > 3 {
		shard = shard[:3]
	}
	return filepath.Join(s.root, hash.Type.String(), shard, hx+blobExtension)
}

// Put streams r into the store. An existing blob is replaced.
func (s *Store) Put(ctx context.Context, hash types.ContentHash, r io.Reader) (int64, error) {
	dest := s.Path(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("put %s: %w", hash, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".put-*")
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", hash, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("put %s: %w", hash, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("put %s: sync: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("put %s: close: %w", hash, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("put %s: rename: %w", hash, err)
	}
	return n, nil
}

// PutFile moves (or copies, across devices) an existing file into the store.
func (s *Store) PutFile(ctx context.Context, hash types.ContentHash, path string) (int64, error) {
	dest := s.Path(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("put file %s: %w", hash, err)
	}
	if err := os.Rename(path, dest); err == nil {
		st, err := os.Stat(dest)
		if err != nil {
			return 0, err
		}
		return st.Size(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("put file %s: %w", hash, err)
	}
	defer f.Close()
	n, err := s.Put(ctx, hash, f)
	if err != nil {
		return 0, err
	}
	os.Remove(path)
	return n, nil
}

// Open returns a reader and the blob size.
func (s *Store) Open(hash types.ContentHash) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.Path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// Stat returns blob metadata.
func (s *Store) Stat(hash types.ContentHash) (Info, error) {
	st, err := os.Stat(s.Path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return Info{}, err
	}
	return Info{Hash: hash, Size: st.Size(), ModTime: st.ModTime()}, nil
}

func (s *Store) Contains(hash types.ContentHash) bool {
	_, err := os.Stat(s.Path(hash))
	return err == nil
}

// Delete removes the blob; deleting absent content is not an error.
func (s *Store) Delete(hash types.ContentHash) error {
	err := os.Remove(s.Path(hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", hash, err)
	}
	return nil
}

// Touch marks the blob as recently used.
func (s *Store) Touch(hash types.ContentHash, at time.Time) error {
	if err := os.Chtimes(s.Path(hash), at, at); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return err
	}
	return nil
}

// Enumerate lists every blob. Files that do not follow the layout are skipped.
func (s *Store) Enumerate() ([]Info, error) {
	var out []Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), blobExtension) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		hash, err := types.ParseContentHash(parts[0] + ":" + strings.TrimSuffix(parts[2], blobExtension))
		if err != nil {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, Info{Hash: hash, Size: st.Size(), ModTime: st.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate content: %w", err)
	}
	return out, nil
}

// TotalSize sums the size of every blob.
func (s *Store) TotalSize() (int64, error) {
	infos, err := s.Enumerate()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, i := range infos {
		total += i.Size
	}
	return total, nil
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
