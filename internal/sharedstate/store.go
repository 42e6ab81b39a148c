// Package sharedstate is the external key/value store every machine of an
// epoch can reach. It only offers reads and versioned compare-and-swap
// writes; leases, checkpoint pointers and holder registries are built on it.
package sharedstate

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key has never been written.
	ErrNotFound = errors.New("shared state key not found")
	// ErrConflict is returned by CompareAndSwap when the stored version
	// does not match the expected one.
	ErrConflict = errors.New("shared state version conflict")
)

// Entry is a stored value with its version. Version 0 means absent.
type Entry struct {
	Value   []byte
	Version int64
}

// Store is a linearizable key/value store with CAS writes.
type Store interface {
	// Get returns ErrNotFound for absent keys.
	Get(ctx context.Context, key string) (Entry, error)
	// CompareAndSwap writes value when the stored version equals
	// expectedVersion (0 = key must be absent) and returns the new version.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error)
	Close() error
}

// Lookup is Get with absence folded into a zero Entry.
func Lookup(ctx context.Context, s Store, key string) (Entry, error) {
	e, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Entry{}, nil
	}
	return e, err
}
