// Package locationdb is the local content location database: for every
// content hash, which machines hold it, its size and when it was last used.
// The database is the unit that checkpoints snapshot and restore.
package locationdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/ChuLiYu/locsync/internal/reputation"
	"github.com/ChuLiYu/locsync/pkg/types"
)

var (
	ErrNotFound = errors.New("location entry not found")
	ErrClosed   = errors.New("location database closed")
)

// Entry is the stored value for one content hash.
type Entry struct {
	Size       int64             `json:"size"`
	Machines   []types.MachineID `json:"machines"`
	LastAccess time.Time         `json:"last_access"`
}

// Has reports whether machine is listed as a holder.
func (e Entry) Has(machine types.MachineID) bool {
	for _, m := range e.Machines {
		if m == machine {
			return true
		}
	}
	return false
}

// DB wraps a Pebble database whose directory can be swapped by Restore.
type DB struct {
	dir    string
	logger *zap.Logger

	mu sync.RWMutex
	db *pebble.DB
}

// Open opens (or creates) the database in dir.
func Open(dir string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DB{dir: dir, logger: logger.Named("locationdb")}
	db, err := d.open()
	if err != nil {
		return nil, err
	}
	d.db = db
	d.logger.Info("Location database opened", zap.String("path", dir))
	return d, nil
}

func (d *DB) open() (*pebble.DB, error) {
	if err := os.MkdirAll(filepath.Dir(d.dir), 0o755); err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", d.dir, err)
	}
	db, err := pebble.Open(d.dir, &pebble.Options{Logger: &pebbleLogger{d.logger}})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", d.dir, err)
	}
	return db, nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// Get returns the entry of hash or ErrNotFound.
func (d *DB) Get(hash types.ContentHash) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return Entry{}, ErrClosed
	}
	return getEntry(d.db, key(hash))
}

func getEntry(db *pebble.DB, k []byte) (Entry, error) {
	data, closer, err := db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal entry %s: %w", k, err)
	}
	return e, nil
}

// Apply folds events into the database in one atomic batch, in order.
func (d *DB) Apply(events []types.LocationEvent) error {
	if len(events) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return ErrClosed
	}

	// later events for the same hash must see earlier ones
	pending := make(map[string]*Entry)
	deleted := make(map[string]bool)
	load := func(k string) (*Entry, error) {
		if e, ok := pending[k]; ok {
			return e, nil
		}
		if deleted[k] {
			e := &Entry{}
			pending[k] = e
			delete(deleted, k)
			return e, nil
		}
		e, err := getEntry(d.db, []byte(k))
		if errors.Is(err, ErrNotFound) {
			e = Entry{}
		} else if err != nil {
			return nil, err
		}
		pending[k] = &e
		return &e, nil
	}

	for _, ev := range events {
		k := string(key(ev.Hash))
		e, err := load(k)
		if err != nil {
			return err
		}
		switch ev.Kind {
		case types.EventAdd:
			if !e.Has(ev.Machine) {
				e.Machines = append(e.Machines, ev.Machine)
			}
			if ev.Size > 0 {
				e.Size = ev.Size
			}
			touch(e, ev.Timestamp)
		case types.EventRemove:
			kept := e.Machines[:0]
			for _, m := range e.Machines {
				if m != ev.Machine {
					kept = append(kept, m)
				}
			}
			e.Machines = kept
			if len(e.Machines) == 0 {
				delete(pending, k)
				deleted[k] = true
			}
		case types.EventTouch:
			touch(e, ev.Timestamp)
		default:
			return fmt.Errorf("unknown event kind %q", ev.Kind)
		}
	}

	batch := d.db.NewBatch()
	defer batch.Close()
	for k, e := range pending {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := batch.Set([]byte(k), data, nil); err != nil {
			return err
		}
	}
	for k := range deleted {
		if err := batch.Delete([]byte(k), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func touch(e *Entry, ts time.Time) {
	if ts.After(e.LastAccess) {
		e.LastAccess = ts
	}
}

// ForEach visits every entry in key order until fn returns false.
func (d *DB) ForEach(fn func(hash types.ContentHash, e Entry) bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}

	iter, err := d.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		hash, err := types.ParseContentHash(string(iter.Key()))
		if err != nil {
			d.logger.Warn("Skipping malformed key", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			d.logger.Warn("Skipping malformed entry", zap.String("hash", hash.String()), zap.Error(err))
			continue
		}
		if !fn(hash, e) {
			break
		}
	}
	return iter.Error()
}

// Count returns the number of entries.
func (d *DB) Count() (int, error) {
	n := 0
	err := d.ForEach(func(types.ContentHash, Entry) bool {
		n++
		return true
	})
	return n, err
}

// MachineContent lists every hash the database attributes to machine.
func (d *DB) MachineContent(machine types.MachineID) ([]types.ContentHash, error) {
	var out []types.ContentHash
	err := d.ForEach(func(h types.ContentHash, e Entry) bool {
		if e.Has(machine) {
			out = append(out, h)
		}
		return true
	})
	return out, err
}

// GarbageCollect drops entries without holders and entries not accessed
// within expiry. It returns the number of removed entries.
func (d *DB) GarbageCollect(now time.Time, expiry time.Duration) (int, error) {
	cutoff := now.Add(-expiry)
	var stale [][]byte
	err := d.ForEach(func(h types.ContentHash, e Entry) bool {
		if len(e.Machines) == 0 || e.LastAccess.Before(cutoff) {
			stale = append(stale, key(h))
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return 0, ErrClosed
	}
	batch := d.db.NewBatch()
	defer batch.Close()
	for _, k := range stale {
		if err := batch.Delete(k, nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	d.logger.Info("Garbage collected location entries", zap.Int("count", len(stale)))
	return len(stale), nil
}

// Checkpoint writes a consistent copy of the database into destDir,
// which must not exist yet.
func (d *DB) Checkpoint(destDir string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := d.db.Checkpoint(destDir, pebble.WithFlushedWAL()); err != nil {
		return fmt.Errorf("pebble checkpoint: %w", err)
	}
	return nil
}

// Restore replaces the database with the checkpoint in srcDir. srcDir is
// consumed. Readers block for the duration of the swap; on failure the
// previous database is reopened.
func (d *DB) Restore(srcDir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// validate the checkpoint before touching the live database
	src, err := pebble.Open(srcDir, &pebble.Options{Logger: &pebbleLogger{d.logger}, ErrorIfNotExists: true})
	if err != nil {
		return fmt.Errorf("restore: open checkpoint: %w", err)
	}
	if err := src.Close(); err != nil {
		return fmt.Errorf("restore: close checkpoint: %w", err)
	}

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			return fmt.Errorf("restore: close current: %w", err)
		}
		d.db = nil
	}

	backup := d.dir + ".bak"
	_ = os.RemoveAll(backup)
	if err := os.Rename(d.dir, backup); err != nil && !os.IsNotExist(err) {
		return d.rollback("", fmt.Errorf("restore: move current aside: %w", err))
	}
	if err := os.Rename(srcDir, d.dir); err != nil {
		return d.rollback(backup, fmt.Errorf("restore: move checkpoint in: %w", err))
	}

	db, err := d.open()
	if err != nil {
		_ = os.RemoveAll(d.dir)
		return d.rollback(backup, err)
	}
	d.db = db
	_ = os.RemoveAll(backup)
	d.logger.Info("Location database restored", zap.String("path", d.dir))
	return nil
}

// rollback puts backup back in place (if any) and reopens. Caller holds mu.
func (d *DB) rollback(backup string, cause error) error {
	if backup != "" {
		if err := os.Rename(backup, d.dir); err != nil {
			return errors.Join(cause, fmt.Errorf("rollback: %w", err))
		}
	}
	db, err := d.open()
	if err != nil {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	d.db = db
	return cause
}

// Candidate is content a machine may evict, with its effective age.
type Candidate struct {
	Hash       types.ContentHash
	Size       int64
	Replicas   int
	LastAccess time.Time
	Effective  time.Time
}

// EvictionCandidates orders the content held by machine from first to
// last evicted. Content with more replicas looks older by replicaPenalty
// per extra replica. limit <= 0 means no limit.
func (d *DB) EvictionCandidates(machine types.MachineID, replicaPenalty time.Duration, limit int) ([]Candidate, error) {
	var out []Candidate
	err := d.ForEach(func(h types.ContentHash, e Entry) bool {
		if !e.Has(machine) {
			return true
		}
		out = append(out, Candidate{
			Hash:       h,
			Size:       e.Size,
			Replicas:   len(e.Machines),
			LastAccess: e.LastAccess,
			Effective:  reputation.EffectiveLastAccess(e.LastAccess, len(e.Machines), replicaPenalty),
		})
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Effective.Before(out[j].Effective)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func key(h types.ContentHash) []byte {
	return []byte(h.String())
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
