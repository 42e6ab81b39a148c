package copier

import (
	"errors"
	"io"

	"github.com/ChuLiYu/locsync/internal/contentstore"
	"github.com/ChuLiYu/locsync/pkg/types"
)

// Sources serves from several content stores, first hit wins. A machine
// uses it to expose both its cache content and its propagated checkpoint
// blobs on one copy port.
type Sources []*contentstore.Store

var _ Exister = Sources(nil)

func (s Sources) Open(hash types.ContentHash) (io.ReadCloser, int64, error) {
	for _, store := range s {
		r, n, err := store.Open(hash)
		if errors.Is(err, contentstore.ErrNotFound) {
			continue
		}
		return r, n, err
	}
	return nil, 0, contentstore.ErrNotFound
}

func (s Sources) Contains(hash types.ContentHash) bool {
	for _, store := range s {
		if store.Contains(hash) {
			return true
		}
	}
	return false
}
