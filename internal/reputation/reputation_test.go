package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/locsync/pkg/types"
)

func TestRankOrdersByReputation(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.ReportFailure("bad")
	tr.ReportSuccess("good")
	tr.ReportMissing("gone")

	ranked := tr.Rank([]types.MachineID{"gone", "bad", "unknown", "good"})
	assert.Equal(t, []types.MachineID{"good", "unknown", "bad", "gone"}, ranked)
}

func TestRankIsStable(t *testing.T) {
	tr := NewTracker(time.Hour)
	in := []types.MachineID{"c", "a", "b"}
	assert.Equal(t, in, tr.Rank(in))
}

func TestScoreDecaysToNeutral(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := NewTracker(time.Minute)
	tr.now = func() time.Time { return now }

	tr.ReportFailure("m")
	assert.Equal(t, Bad, tr.Score("m"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, Neutral, tr.Score("m"))
}

func TestEffectiveLastAccess(t *testing.T) {
	base := time.Unix(10000, 0)
	penalty := 10 * time.Minute

	assert.Equal(t, base, EffectiveLastAccess(base, 0, penalty))
	assert.Equal(t, base, EffectiveLastAccess(base, 1, penalty))
	assert.Equal(t, base.Add(-20*time.Minute), EffectiveLastAccess(base, 3, penalty))
	assert.Equal(t, base, EffectiveLastAccess(base, 5, 0))
}
