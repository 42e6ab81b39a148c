package node

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/locsync/internal/address"
	"github.com/ChuLiYu/locsync/internal/copier"
	"github.com/ChuLiYu/locsync/pkg/types"
)

// ErrContentMismatch is returned when copied bytes do not match the
// requested hash.
var ErrContentMismatch = errors.New("copied content hash mismatch")

// Fetch makes the content named by path available locally. A local hit
// is touched; a miss is copied from the host in path and registered.
// Either way the change is published for the master's location database.
func (s *Service) Fetch(ctx context.Context, path string) (types.ContentHash, int64, error) {
	a, err := address.Decode(path)
	if err != nil {
		return types.ContentHash{}, 0, err
	}

	if info, err := s.content.Stat(a.Hash); err == nil {
		now := time.Now()
		if err := s.content.Touch(a.Hash, now); err != nil {
			return a.Hash, 0, err
		}
		return a.Hash, info.Size, s.publish(ctx, types.EventTouch, a.Hash, info.Size, now)
	}

	tmp, err := os.CreateTemp(s.content.Root(), ".fetch-*")
	if err != nil {
		return a.Hash, 0, fmt.Errorf("fetch %s: %w", a.Hash, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	out := s.copier.CopyTo(ctx, path, tmpPath, copier.UnknownSize)
	s.metrics.RecordCopy(out.Status.String(), out.BytesCopied)
	if !out.OK() {
		return a.Hash, 0, fmt.Errorf("fetch %s from %s: %s: %w", a.Hash, a.Host, out.Status, out.Err)
	}
	if err := verifyFile(tmpPath, a.Hash); err != nil {
		return a.Hash, 0, err
	}

	n, err := s.content.PutFile(ctx, a.Hash, tmpPath)
	if err != nil {
		return a.Hash, 0, err
	}
	s.logger.Debug("Fetched content", zap.String("hash", a.Hash.String()), zap.String("from", a.Host), zap.Int64("size", n))
	return a.Hash, n, s.publish(ctx, types.EventAdd, a.Hash, n, time.Now())
}

// Register stores content produced on this machine and publishes it.
func (s *Service) Register(ctx context.Context, h types.ContentHash, r io.Reader) (int64, error) {
	n, err := s.content.Put(ctx, h, r)
	if err != nil {
		return 0, err
	}
	return n, s.publish(ctx, types.EventAdd, h, n, time.Now())
}

// Evict removes local content and publishes the removal.
func (s *Service) Evict(ctx context.Context, h types.ContentHash) error {
	info, err := s.content.Stat(h)
	if err != nil {
		return err
	}
	if err := s.content.Delete(h); err != nil {
		return err
	}
	return s.publish(ctx, types.EventRemove, h, info.Size, time.Now())
}

// publish is a no-op without checkpointing; nobody consumes the events.
func (s *Service) publish(ctx context.Context, kind types.EventKind, h types.ContentHash, size int64, at time.Time) error {
	if s.manager == nil {
		return nil
	}
	err := s.manager.Publish(ctx, types.LocationEvent{
		Kind:      kind,
		Hash:      h,
		Machine:   s.self,
		Size:      size,
		Timestamp: at.UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish %s %s: %w", kind, h, err)
	}
	return nil
}

// verifyFile checks path against want for the hash types with a standard
// digest; other types are trusted as copied.
func verifyFile(path string, want types.ContentHash) error {
	var h hash.Hash
	switch want.Type {
	case types.HashTypeMD5:
		h = md5.New()
	case types.HashTypeSHA1:
		h = sha1.New()
	case types.HashTypeSHA256:
		h = sha256.New()
	default:
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got, err := types.NewContentHash(want.Type, h.Sum(nil))
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return fmt.Errorf("%w: want %s, got %s", ErrContentMismatch, want, got)
	}
	return nil
}
