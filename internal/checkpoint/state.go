package checkpoint

// ============================================================================
// 職責說明：
// 1. 記錄本機最後建立 / 套用的 checkpoint，重啟後不重複 restore
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedState      = errors.New("checkpoint state file is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint state schema version is incompatible")
)

const stateSchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// State 本機 checkpoint 進度
type State struct {
	SchemaVer      int       `json:"schema_version"`
	Prefix         string    `json:"prefix"`          // 所屬 epoch
	LastApplied    uint64    `json:"last_applied"`    // 最後成功 restore 的序號
	LastCreated    uint64    `json:"last_created"`    // 最後成功建立的序號
	EventCursor    int64     `json:"event_cursor"`    // 已套用的事件序號
	LastCheckpoint string    `json:"last_checkpoint"` // CheckpointID
	UpdatedAt      time.Time `json:"updated_at"`
}

// Latest 回傳本機已知的最新序號
func (s State) Latest() uint64 {
	if s.LastCreated > s.LastApplied {
		return s.LastCreated
	}
	return s.LastApplied
}

// StateFile 管理 state 檔案
type StateFile struct {
	path string     // 檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewStateFile 建立 StateFile
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path 取得檔案路徑
func (f *StateFile) Path() string { return f.path }

// Write 原子性寫入 state
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (f *StateFile) Write(s State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s.SchemaVer = stateSchemaVersion

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint state: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint state: %w", err)
	}
	return nil
}

// Load 載入 state
//
// 檔案不存在時回傳空 State（首次啟動）。
// prefix 不同（換了 epoch）時也回傳空 State，舊 epoch 的進度不適用。
func (f *StateFile) Load(prefix string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	empty := State{SchemaVer: stateSchemaVersion, Prefix: prefix}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return State{}, fmt.Errorf("failed to read checkpoint state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	if s.SchemaVer != stateSchemaVersion {
		return State{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, s.SchemaVer, stateSchemaVersion)
	}
	if s.Prefix != prefix {
		return empty, nil
	}
	return s, nil
}
