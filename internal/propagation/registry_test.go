package propagation

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/locsync/internal/sharedstate"
	"github.com/ChuLiYu/locsync/pkg/types"
)

func hashOf(t *testing.T, data []byte) types.ContentHash {
	t.Helper()
	sum := sha256.Sum256(data)
	h, err := types.NewContentHash(types.HashTypeSHA256, sum[:])
	require.NoError(t, err)
	return h
}

var t0 = time.Unix(1700000000, 0).UTC()

func TestRegistryAdvertiseAndWithdraw(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(sharedstate.NewMemoryStore(), "checkpoints-1")
	h := hashOf(t, []byte("blob"))

	holders, err := reg.Holders(ctx, h)
	require.NoError(t, err)
	assert.Empty(t, holders)

	require.NoError(t, reg.Advertise(ctx, h, "m1", t0))
	require.NoError(t, reg.Advertise(ctx, h, "m2", t0.Add(time.Minute)))
	require.NoError(t, reg.Advertise(ctx, h, "m3", t0.Add(-time.Minute)))

	holders, err = reg.Holders(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []types.MachineID{"m2", "m1", "m3"}, holders)

	require.NoError(t, reg.Withdraw(ctx, h, "m2"))
	require.NoError(t, reg.Withdraw(ctx, h, "absent"))
	holders, err = reg.Holders(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []types.MachineID{"m1", "m3"}, holders)
}

func TestRegistryPrefixesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := sharedstate.NewMemoryStore()
	h := hashOf(t, []byte("blob"))

	require.NoError(t, NewRegistry(store, "checkpoints-1").Advertise(ctx, h, "m1", t0))
	holders, err := NewRegistry(store, "checkpoints-2").Holders(ctx, h)
	require.NoError(t, err)
	assert.Empty(t, holders)
}

// TestRegistryConcurrentAdvertise 並發 CAS 更新不會遺失
func TestRegistryConcurrentAdvertise(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(sharedstate.NewMemoryStore(), "checkpoints-1")
	h := hashOf(t, []byte("blob"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Advertise(ctx, h, types.MachineID(rune('a'+i)), t0))
		}()
	}
	wg.Wait()

	holders, err := reg.Holders(ctx, h)
	require.NoError(t, err)
	assert.Len(t, holders, 4)
}
