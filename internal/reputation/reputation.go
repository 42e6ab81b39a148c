// Package reputation tracks how reliably peer machines serve copies so
// callers can try good machines first. Scores only order machines; they
// never exclude one.
package reputation

import (
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/locsync/pkg/types"
)

// Reputation buckets, best first.
type Reputation int

const (
	Good Reputation = iota
	Neutral
	Bad
	Missing // machine did not have the content
)

func (r Reputation) String() string {
	switch r {
	case Good:
		return "good"
	case Neutral:
		return "neutral"
	case Bad:
		return "bad"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

type record struct {
	rep       Reputation
	updatedAt time.Time
}

// Tracker holds one reputation per machine. Entries fall back to Neutral
// once they are older than the decay window.
type Tracker struct {
	decay time.Duration
	now   func() time.Time

	mu      sync.Mutex
	records map[types.MachineID]record
}

// NewTracker returns a tracker whose reports expire after decay.
func NewTracker(decay time.Duration) *Tracker {
	return &Tracker{
		decay:   decay,
		now:     time.Now,
		records: make(map[types.MachineID]record),
	}
}

func (t *Tracker) set(m types.MachineID, r Reputation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[m] = record{rep: r, updatedAt: t.now()}
}

func (t *Tracker) ReportSuccess(m types.MachineID) { t.set(m, Good) }

func (t *Tracker) ReportFailure(m types.MachineID) { t.set(m, Bad) }

// ReportMissing records that m advertised content it could not serve.
func (t *Tracker) ReportMissing(m types.MachineID) { t.set(m, Missing) }

// Score returns the current reputation of m.
func (t *Tracker) Score(m types.MachineID) Reputation {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[m]
	if !ok {
		return Neutral
	}
	if t.decay > 0 && t.now().Sub(r.updatedAt) > t.decay {
		delete(t.records, m)
		return Neutral
	}
	return r.rep
}

// Rank returns machines best first. Equal reputations keep input order.
func (t *Tracker) Rank(machines []types.MachineID) []types.MachineID {
	out := append([]types.MachineID(nil), machines...)
	scores := make(map[types.MachineID]Reputation, len(out))
	for _, m := range out {
		scores[m] = t.Score(m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i]] < scores[out[j]]
	})
	return out
}

// EffectiveLastAccess shifts lastAccess back by penalty for every replica
// beyond the first, so widely replicated content is evicted earlier.
func EffectiveLastAccess(lastAccess time.Time, replicas int, penalty time.Duration) time.Time {
	if replicas <= 1 || penalty <= 0 {
		return lastAccess
	}
	return lastAccess.Add(-time.Duration(replicas-1) * penalty)
}
