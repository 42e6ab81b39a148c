package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ChuLiYu/locsync/internal/sharedstate"
	"github.com/ChuLiYu/locsync/pkg/types"
)

// Registry records which machines advertise a checkpoint blob. Entries
// live in shared state under <prefix>/holders/<hash>.
type Registry struct {
	store  sharedstate.Store
	prefix string
}

type holderRecord struct {
	Holders map[types.MachineID]time.Time `json:"holders"`
}

func NewRegistry(store sharedstate.Store, prefix string) *Registry {
	return &Registry{store: store, prefix: prefix}
}

func (r *Registry) key(hash types.ContentHash) string {
	return r.prefix + "/holders/" + hash.String()
}

// Holders returns advertising machines, most recently advertised first.
func (r *Registry) Holders(ctx context.Context, hash types.ContentHash) ([]types.MachineID, error) {
	e, err := sharedstate.Lookup(ctx, r.store, r.key(hash))
	if err != nil {
		return nil, fmt.Errorf("read holders of %s: %w", hash, err)
	}
	rec, err := decodeHolders(e)
	if err != nil {
		return nil, err
	}
	out := make([]types.MachineID, 0, len(rec.Holders))
	for m := range rec.Holders {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := rec.Holders[out[i]], rec.Holders[out[j]]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i] < out[j]
	})
	return out, nil
}

// Advertise adds machine as a holder of hash.
func (r *Registry) Advertise(ctx context.Context, hash types.ContentHash, machine types.MachineID, at time.Time) error {
	return r.update(ctx, hash, func(rec *holderRecord) bool {
		rec.Holders[machine] = at
		return true
	})
}

// Withdraw removes machine from the holders of hash.
func (r *Registry) Withdraw(ctx context.Context, hash types.ContentHash, machine types.MachineID) error {
	return r.update(ctx, hash, func(rec *holderRecord) bool {
		if _, ok := rec.Holders[machine]; !ok {
			return false
		}
		delete(rec.Holders, machine)
		return true
	})
}

// update applies mutate under CAS, re-reading on conflicts.
func (r *Registry) update(ctx context.Context, hash types.ContentHash, mutate func(*holderRecord) bool) error {
	key := r.key(hash)
	return retry.Do(
		func() error {
			e, err := sharedstate.Lookup(ctx, r.store, key)
			if err != nil {
				return err
			}
			rec, err := decodeHolders(e)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !mutate(&rec) {
				return nil
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			_, err = r.store.CompareAndSwap(ctx, key, e.Version, data)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, sharedstate.ErrConflict) }),
	)
}

func decodeHolders(e sharedstate.Entry) (holderRecord, error) {
	rec := holderRecord{Holders: map[types.MachineID]time.Time{}}
	if e.Version == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(e.Value, &rec); err != nil {
		return rec, fmt.Errorf("decode holders: %w", err)
	}
	if rec.Holders == nil {
		rec.Holders = map[types.MachineID]time.Time{}
	}
	return rec, nil
}
