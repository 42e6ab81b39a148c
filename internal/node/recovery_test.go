// ============================================================================
// locsync 故障轉移測試
// ============================================================================
//
// 測試目標:
//   Master 停止後另一台機器接手：
//   1. 新 Master 取得 lease
//   2. 先套用舊 Master 的 checkpoint，序號接續而非重來
//   3. 舊 Master 發佈的位置資訊不遺失
//
// 共用狀態使用 SQLite 檔案，兩台機器各自開啟連線。
//
// ============================================================================

package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/locsync/pkg/types"
)

func TestFailoverWithSQLiteSharedState(t *testing.T) {
	central := t.TempDir()
	sharedPath := filepath.Join(t.TempDir(), "shared.db")

	cfg1 := testConfig(t, "m1", central)
	cfg1.SharedState.Kind, cfg1.SharedState.Path = "sqlite", sharedPath
	cfg2 := testConfig(t, "m2", central)
	cfg2.SharedState.Kind, cfg2.SharedState.Path = "sqlite", sharedPath

	first := startService(t, cfg1)
	require.Equal(t, types.RoleMaster, first.Role())

	h := putContent(t, first, "held by the first master")
	require.NoError(t, first.manager.Publish(context.Background(), types.LocationEvent{
		Kind: types.EventAdd, Hash: h, Machine: "m1", Size: 24, Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, first.manager.CreateCheckpoint(context.Background()))
	created := status(t, first).LastCreated
	require.NotZero(t, created)

	second := startService(t, cfg2)
	assert.Equal(t, types.RoleWorker, second.Role())

	first.Stop()

	require.Eventually(t, func() bool {
		return second.Role() == types.RoleMaster && status(t, second).LastCreated > created
	}, waitFor, 10*time.Millisecond)

	st := status(t, second)
	assert.Equal(t, st.LastCreated, st.PointerSequence)
	assert.GreaterOrEqual(t, st.LastApplied, created, "caught up before creating")

	e, err := second.db.Get(h)
	require.NoError(t, err)
	assert.True(t, e.Has("m1"))
}
