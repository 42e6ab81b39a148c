// ============================================================================
// locsync Checkpoint Manager - 位置資料庫的 checkpoint 建立與還原
// ============================================================================
//
// Package: internal/checkpoint
// 文件: manager.go
// 功能: 依角色在兩種模式間切換，透過 Central Storage 複製位置資料庫
//
// 模式:
//   Master - 每個 create interval：
//     1. 讀取目前 pointer，若比本機新先追上（restore）
//     2. 套用事件串流中尚未套用的事件、GC 過期項目
//     3. pebble checkpoint 到 staging，計算每個檔案的 size + CRC32
//     4. 上傳（incremental 時重用未變更且仍在保留期內的檔案）
//     5. CAS 寫入 pointer（Sequence = 目前 + 1；對方已發佈更新的序號則放棄，下個 tick 再追）
//   Worker - 每個 restore interval：
//     1. 讀取 pointer，Sequence <= 已套用 則略過
//     2. 下載所有檔案到 staging 並驗證（fetch-then-apply）
//     3. 原子性替換資料庫，記錄本機 state
//     4. reconciliation（每次成功 restore 恰好一次）
//
// 並發安全:
//   - opMu 序列化 create / restore / drain
//   - SetRole 取消另一模式進行中的操作
//   - stopCh + loopWg 控制背景循環生命週期
//
// ============================================================================

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/locsync/internal/background"
	"github.com/ChuLiYu/locsync/internal/centralstorage"
	"github.com/ChuLiYu/locsync/internal/contentstore"
	"github.com/ChuLiYu/locsync/internal/eventstream"
	"github.com/ChuLiYu/locsync/internal/locationdb"
	"github.com/ChuLiYu/locsync/internal/metrics"
	"github.com/ChuLiYu/locsync/internal/sharedstate"
	"github.com/ChuLiYu/locsync/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCorruptCheckpoint 下載的檔案與 manifest 不符，restore 在修改資料庫前中止
	ErrCorruptCheckpoint = errors.New("checkpoint artifact set is corrupt or incomplete")
	// ErrNotMaster 非 Master 模式下要求建立 checkpoint
	ErrNotMaster = errors.New("checkpoints are only created in master mode")
	// ErrPointerMoved 表示建立期間另一台 Master 已發佈相同或更新的序號
	ErrPointerMoved = errors.New("checkpoint pointer moved past this checkpoint")
)

const (
	pointerKeySuffix = "/checkpoint"
	stateFileName    = "checkpoint-state.json"
	transferParallel = 4
	defaultBatchSize = 1000
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Manager 配置
type Config struct {
	Prefix             string          // checkpoint prefix（keyBase + epoch）
	Self               types.MachineID // 本機 ID，reconciliation 用
	WorkingDirectory   string          // staging 與 state 檔案目錄
	CreateInterval     time.Duration
	RestoreInterval    time.Duration
	EventDrainInterval time.Duration
	EventBatchSize     int

	Incremental bool
	// ReuseWindow 內上傳的未變更檔案可被重用（通常為 retention 的一半）；0 表示不限
	ReuseWindow time.Duration
	// Retention > 0 時，Master 建立 checkpoint 後清除 central storage 中過舊的檔案
	Retention time.Duration

	Reconciliation           bool
	InlinePostInitialization bool
	LocationEntryExpiry      time.Duration
}

// ContentLister 列出本機持有的內容（reconciliation 的輸入）
type ContentLister interface {
	Enumerate() ([]contentstore.Info, error)
}

// Status Manager 狀態快照
type Status struct {
	Role           types.Role `json:"role"`
	Prefix         string     `json:"prefix"`
	LastCreated    uint64     `json:"last_created"`
	LastApplied    uint64     `json:"last_applied"`
	EventCursor    int64      `json:"event_cursor"`
	LastCheckpoint string     `json:"last_checkpoint"`
}

// Manager Checkpoint 管理器
type Manager struct {
	cfg       Config
	db        *locationdb.DB
	storage   centralstorage.Storage
	shared    sharedstate.Store
	events    eventstream.Stream
	content   ContentLister
	stateFile *StateFile
	reporter  *background.Reporter
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	opMu sync.Mutex // 序列化 create / restore / drain

	mu         sync.Mutex // 保護以下欄位
	role       types.Role
	modeCtx    context.Context
	modeCancel context.CancelFunc
	local      State

	kickCreate  chan struct{}
	kickRestore chan struct{}
	stopCh      chan struct{}
	loopWg      sync.WaitGroup
	started     bool
	stopped     bool
	postInit    *background.Task
}

// ============================================================================
// 建構與生命週期
// ============================================================================

// NewManager 建立 Manager 並載入本機 state
func NewManager(cfg Config, db *locationdb.DB, storage centralstorage.Storage, shared sharedstate.Store,
	events eventstream.Stream, content ContentLister, reporter *background.Reporter,
	m *metrics.Collector, logger *zap.Logger) (*Manager, error) {
	if cfg.Prefix == "" {
		return nil, errors.New("checkpoint prefix is required")
	}
	if cfg.WorkingDirectory == "" {
		return nil, errors.New("checkpoint working directory is required")
	}
	if cfg.EventBatchSize <= 0 {
		cfg.EventBatchSize = defaultBatchSize
	}
	if cfg.CreateInterval <= 0 {
		cfg.CreateInterval = 5 * time.Minute
	}
	if cfg.RestoreInterval <= 0 {
		cfg.RestoreInterval = 10 * time.Minute
	}
	if cfg.EventDrainInterval <= 0 {
		cfg.EventDrainInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.WorkingDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint working directory: %w", err)
	}

	stateFile := NewStateFile(filepath.Join(cfg.WorkingDirectory, stateFileName))
	local, err := stateFile.Load(cfg.Prefix)
	if err != nil {
		return nil, err
	}

	modeCtx, modeCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		db:          db,
		storage:     storage,
		shared:      shared,
		events:      events,
		content:     content,
		stateFile:   stateFile,
		reporter:    reporter,
		metrics:     m,
		logger:      logger.Named("checkpoint"),
		now:         time.Now,
		role:        types.RoleWorker,
		modeCtx:     modeCtx,
		modeCancel:  modeCancel,
		local:       local,
		kickCreate:  make(chan struct{}, 1),
		kickRestore: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}, nil
}

// Start 執行 post-initialization 並啟動背景循環
//
// InlinePostInitialization 時先同步完成首次 restore 與 reconciliation；
// 否則以 background.Task 執行，可由 PostInitialization() 取得。
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("checkpoint manager already started")
	}
	m.started = true
	local := m.local
	m.mu.Unlock()

	m.logger.Info("Starting checkpoint manager",
		zap.String("prefix", m.cfg.Prefix),
		zap.Uint64("last_applied", local.LastApplied),
		zap.Uint64("last_created", local.LastCreated))

	if m.cfg.InlinePostInitialization {
		err := m.postInitialize(ctx)
		m.reporter.Report("checkpoint.post_init", err)
		m.postInit = background.Completed("checkpoint.post_init", err)
	} else {
		m.postInit = background.Go(ctx, "checkpoint.post_init", m.reporter, m.postInitialize)
	}

	m.loopWg.Add(3)
	go m.createLoop()
	go m.restoreLoop()
	go m.drainLoop()
	return nil
}

// PostInitialization 回傳 post-initialization 任務；Start 之前為 nil
func (m *Manager) PostInitialization() *background.Task {
	return m.postInit
}

// Stop 停止背景循環並等待 post-initialization 結束
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	m.modeCancel()
	m.mu.Unlock()

	if m.postInit != nil {
		m.postInit.Cancel()
		_ = m.postInit.Wait(context.Background())
	}
	m.loopWg.Wait()
	m.logger.Info("Checkpoint manager stopped")
}

// SetRole 切換模式
//
// 另一模式進行中的操作會被取消；新模式的第一次操作立即觸發，不等下個 interval。
func (m *Manager) SetRole(role types.Role) {
	m.mu.Lock()
	if m.role == role {
		m.mu.Unlock()
		return
	}
	prev := m.role
	m.role = role
	m.modeCancel()
	m.modeCtx, m.modeCancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	m.logger.Info("Checkpoint mode switched", zap.Stringer("from", prev), zap.Stringer("to", role))

	kick := m.kickRestore
	if role == types.RoleMaster {
		kick = m.kickCreate
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Role 回傳目前模式
func (m *Manager) Role() types.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Status 回傳目前狀態
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Role:           m.role,
		Prefix:         m.cfg.Prefix,
		LastCreated:    m.local.LastCreated,
		LastApplied:    m.local.LastApplied,
		EventCursor:    m.local.EventCursor,
		LastCheckpoint: m.local.LastCheckpoint,
	}
}

// Publish 發佈位置事件到本 epoch 的事件串流
func (m *Manager) Publish(ctx context.Context, events ...types.LocationEvent) error {
	if len(events) == 0 {
		return nil
	}
	return m.events.Publish(ctx, m.cfg.Prefix, events...)
}

// ============================================================================
// 背景循環
// ============================================================================

func (m *Manager) createLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.cfg.CreateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		case <-m.kickCreate:
		}
		if m.Role() != types.RoleMaster {
			continue
		}
		m.report("checkpoint.create", m.CreateCheckpoint(context.Background()))
	}
}

func (m *Manager) restoreLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.cfg.RestoreInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		case <-m.kickRestore:
		}
		if m.Role() != types.RoleWorker {
			continue
		}
		_, err := m.RestoreLatest(context.Background())
		m.report("checkpoint.restore", err)
	}
}

func (m *Manager) drainLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.cfg.EventDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
		if m.Role() != types.RoleMaster {
			continue
		}
		_, err := m.DrainEvents(context.Background())
		m.report("checkpoint.drain", err)
	}
}

// report 略過因模式切換或停止而取消的操作
func (m *Manager) report(op string, err error) {
	if errors.Is(err, context.Canceled) {
		m.logger.Debug("Checkpoint operation canceled", zap.String("operation", op))
		return
	}
	m.reporter.Report(op, err)
}

// operation 取得綁定目前模式的 context；模式切換時自動取消
func (m *Manager) operation(ctx context.Context) (context.Context, types.Role, context.CancelFunc) {
	m.mu.Lock()
	modeCtx, role := m.modeCtx, m.role
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(modeCtx, cancel)
	return ctx, role, func() {
		stop()
		cancel()
	}
}

func (m *Manager) postInitialize(ctx context.Context) error {
	restored, err := m.RestoreLatest(ctx)
	if err != nil {
		return fmt.Errorf("initial restore: %w", err)
	}
	if !restored && m.cfg.Reconciliation {
		// 首次 reconciliation 不依賴是否有新的 checkpoint
		if err := m.reconcile(ctx); err != nil {
			return fmt.Errorf("initial reconciliation: %w", err)
		}
	}
	return nil
}

// ============================================================================
// Master 模式
// ============================================================================

// CreateCheckpoint 建立並發佈一個新的 checkpoint
func (m *Manager) CreateCheckpoint(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, role, done := m.operation(ctx)
	defer done()
	if role != types.RoleMaster {
		return ErrNotMaster
	}

	start := m.now()
	current, version, err := m.readPointer(ctx)
	if err != nil {
		return err
	}

	// 先追上其他 Master 已發佈的 checkpoint，序號才會單調遞增
	if current.Sequence > m.latest() {
		m.logger.Info("Catching up to published checkpoint", zap.Uint64("sequence", current.Sequence))
		if err := m.apply(ctx, current); err != nil {
			return fmt.Errorf("catch up to checkpoint %d: %w", current.Sequence, err)
		}
	}

	if _, err := m.drain(ctx); err != nil {
		return err
	}
	if m.cfg.LocationEntryExpiry > 0 {
		if _, err := m.db.GarbageCollect(m.now(), m.cfg.LocationEntryExpiry); err != nil {
			return fmt.Errorf("garbage collect: %w", err)
		}
	}

	id := uuid.NewString()
	staging := filepath.Join(m.cfg.WorkingDirectory, "create-"+id)
	defer os.RemoveAll(staging)
	if err := m.db.Checkpoint(staging); err != nil {
		return err
	}

	manifest, err := buildManifest(staging)
	if err != nil {
		return err
	}
	files, uploaded, reused, err := m.upload(ctx, staging, id, manifest, current)
	if err != nil {
		return err
	}

	m.mu.Lock()
	cursor := m.local.EventCursor
	m.mu.Unlock()

	next := types.CheckpointPointer{
		Sequence:      current.Sequence + 1,
		CheckpointID:  id,
		EventSequence: cursor,
		CreatedAt:     m.now().UTC(),
		Files:         files,
	}
	if err := m.publishPointer(ctx, &next, version); err != nil {
		return err
	}

	m.updateState(func(s *State) {
		s.LastCreated = next.Sequence
		s.LastCheckpoint = next.CheckpointID
	})
	elapsed := m.now().Sub(start)
	m.metrics.RecordCheckpointCreated(next.Sequence, elapsed.Seconds(), uploaded, reused)
	m.logger.Info("Checkpoint created",
		zap.Uint64("sequence", next.Sequence),
		zap.String("checkpoint_id", id),
		zap.Int("files", len(files)),
		zap.Int("reused", reused),
		zap.Int64("uploaded_bytes", uploaded),
		zap.Duration("duration", elapsed))

	if m.cfg.Retention > 0 {
		m.prune(ctx)
	}
	return nil
}

// prune 失敗不影響已發佈的 checkpoint，下次建立時再清
func (m *Manager) prune(ctx context.Context) {
	n, err := m.storage.Prune(ctx, m.cfg.Retention)
	if err != nil {
		m.report("checkpoint.prune", err)
		return
	}
	if n > 0 {
		m.logger.Info("Pruned central storage", zap.Int("removed", n), zap.Duration("retention", m.cfg.Retention))
	}
}

// upload 平行上傳 manifest 中的檔案
//
// Incremental 時，與 previous 中同名、同大小、同 checksum 且仍在 ReuseWindow 內的檔案直接沿用 ref。
func (m *Manager) upload(ctx context.Context, staging, id string, manifest []types.CheckpointFile,
	previous types.CheckpointPointer) ([]types.CheckpointFile, int64, int, error) {
	prev := make(map[string]types.CheckpointFile, len(previous.Files))
	if m.cfg.Incremental {
		for _, f := range previous.Files {
			prev[f.Name] = f
		}
	}

	out := make([]types.CheckpointFile, len(manifest))
	var (
		mu       sync.Mutex
		uploaded int64
		reused   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferParallel)
	for i, f := range manifest {
		if old, ok := prev[f.Name]; ok && m.reusable(old, f) {
			out[i] = old
			reused++
			continue
		}
		g.Go(func() error {
			file, err := os.Open(filepath.Join(staging, f.Name))
			if err != nil {
				return fmt.Errorf("open %s: %w", f.Name, err)
			}
			defer file.Close()

			ref, err := m.storage.Upload(gctx, m.cfg.Prefix+"/"+id+"/"+f.Name, file)
			if err != nil {
				return fmt.Errorf("upload %s: %w", f.Name, err)
			}
			f.Ref = ref
			f.UploadedAt = m.now().UTC()
			out[i] = f

			mu.Lock()
			uploaded += f.Size
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, 0, err
	}
	return out, uploaded, reused, nil
}

func (m *Manager) reusable(old, cur types.CheckpointFile) bool {
	if old.Size != cur.Size || old.Checksum != cur.Checksum || old.Ref == "" {
		return false
	}
	if m.cfg.ReuseWindow <= 0 {
		return true
	}
	return m.now().Sub(old.UploadedAt) < m.cfg.ReuseWindow
}

// publishPointer CAS 寫入 pointer；衝突時重新讀取：
// 對方序號 >= 我們的代表已有更新的 checkpoint，放棄寫入（下個 tick 先追上再建立）；
// 否則以新 version 重試一次
func (m *Manager) publishPointer(ctx context.Context, next *types.CheckpointPointer, version int64) error {
	key := m.cfg.Prefix + pointerKeySuffix
	var moved error
	err := retry.Do(
		func() error {
			data, err := json.Marshal(next)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			_, err = m.shared.CompareAndSwap(ctx, key, version, data)
			if !errors.Is(err, sharedstate.ErrConflict) {
				return err
			}

			current, v, rerr := m.readPointer(ctx)
			if rerr != nil {
				return retry.Unrecoverable(rerr)
			}
			m.logger.Warn("Checkpoint pointer changed concurrently",
				zap.Uint64("ours", next.Sequence), zap.Uint64("theirs", current.Sequence))
			if current.Sequence >= next.Sequence {
				moved = fmt.Errorf("%w: sequence %d (%s) already published",
					ErrPointerMoved, current.Sequence, current.CheckpointID)
				return retry.Unrecoverable(moved)
			}
			version = v
			return err
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, sharedstate.ErrConflict) }),
	)
	if moved != nil {
		return moved
	}
	return err
}

// DrainEvents 套用事件串流中尚未套用的事件，回傳套用數量
func (m *Manager) DrainEvents(ctx context.Context) (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, role, done := m.operation(ctx)
	defer done()
	if role != types.RoleMaster {
		return 0, ErrNotMaster
	}
	return m.drain(ctx)
}

// drain 呼叫端持有 opMu
func (m *Manager) drain(ctx context.Context) (int, error) {
	m.mu.Lock()
	cursor := m.local.EventCursor
	m.mu.Unlock()

	total := 0
	for {
		records, err := m.events.Read(ctx, m.cfg.Prefix, cursor, m.cfg.EventBatchSize)
		if err != nil {
			return total, fmt.Errorf("read events: %w", err)
		}
		if len(records) == 0 {
			break
		}
		batch := make([]types.LocationEvent, len(records))
		for i, r := range records {
			batch[i] = r.Event
		}
		if err := m.db.Apply(batch); err != nil {
			return total, fmt.Errorf("apply events: %w", err)
		}
		cursor = records[len(records)-1].Seq
		total += len(records)
		m.updateState(func(s *State) { s.EventCursor = cursor })
	}

	if total > 0 {
		m.metrics.RecordEventsApplied(total)
		m.refreshEntryGauge()
		m.logger.Debug("Applied location events", zap.Int("count", total), zap.Int64("cursor", cursor))
	}
	return total, nil
}

// ============================================================================
// Worker 模式
// ============================================================================

// RestoreLatest 套用最新的 checkpoint，回傳是否有套用
func (m *Manager) RestoreLatest(ctx context.Context) (bool, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, _, done := m.operation(ctx)
	defer done()

	ptr, _, err := m.readPointer(ctx)
	if err != nil {
		return false, err
	}
	if ptr.Sequence == 0 || ptr.Sequence <= m.latest() {
		return false, nil
	}

	if err := m.apply(ctx, ptr); err != nil {
		return false, err
	}
	return true, nil
}

// apply 下載、驗證並套用 ptr，成功後執行 reconciliation。呼叫端持有 opMu。
func (m *Manager) apply(ctx context.Context, ptr types.CheckpointPointer) error {
	start := m.now()
	staging := filepath.Join(m.cfg.WorkingDirectory, "restore-"+uuid.NewString())
	defer os.RemoveAll(staging)

	if err := m.download(ctx, staging, ptr); err != nil {
		return err
	}
	if err := m.db.Restore(staging); err != nil {
		return fmt.Errorf("apply checkpoint %d: %w", ptr.Sequence, err)
	}

	m.updateState(func(s *State) {
		s.LastApplied = ptr.Sequence
		s.LastCheckpoint = ptr.CheckpointID
		s.EventCursor = ptr.EventSequence
	})
	elapsed := m.now().Sub(start)
	m.metrics.RecordCheckpointRestored(ptr.Sequence, elapsed.Seconds())
	m.refreshEntryGauge()
	m.logger.Info("Checkpoint restored",
		zap.Uint64("sequence", ptr.Sequence),
		zap.String("checkpoint_id", ptr.CheckpointID),
		zap.Int64("bytes", ptr.TotalSize()),
		zap.Duration("duration", elapsed))

	if m.cfg.Reconciliation {
		if err := m.reconcile(ctx); err != nil {
			// restore 已成功，不重做
			m.reporter.Report("checkpoint.reconcile", err)
		}
	}
	return nil
}

// download 取得所有檔案並驗證 size 與 checksum
func (m *Manager) download(ctx context.Context, staging string, ptr types.CheckpointPointer) error {
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create restore staging: %w", err)
	}
	if len(ptr.Files) == 0 {
		return fmt.Errorf("%w: checkpoint %d has no files", ErrCorruptCheckpoint, ptr.Sequence)
	}

	for _, f := range ptr.Files {
		if f.Name == "" || filepath.Base(f.Name) != f.Name {
			return fmt.Errorf("%w: invalid file name %q", ErrCorruptCheckpoint, f.Name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferParallel)
	for _, f := range ptr.Files {
		g.Go(func() error {
			out, err := os.Create(filepath.Join(staging, f.Name))
			if err != nil {
				return err
			}
			defer out.Close()

			sum := crc32.NewIEEE()
			n, err := m.storage.Download(gctx, f.Ref, io.MultiWriter(out, sum))
			if err != nil {
				if errors.Is(err, centralstorage.ErrNotFound) {
					return fmt.Errorf("%w: %s: %v", ErrCorruptCheckpoint, f.Name, err)
				}
				return fmt.Errorf("download %s: %w", f.Name, err)
			}
			if n != f.Size || sum.Sum32() != f.Checksum {
				return fmt.Errorf("%w: %s: got %d bytes crc %08x, want %d bytes crc %08x",
					ErrCorruptCheckpoint, f.Name, n, sum.Sum32(), f.Size, f.Checksum)
			}
			return out.Sync()
		})
	}
	return g.Wait()
}

// ============================================================================
// Reconciliation
// ============================================================================

// reconcile 比對本機內容與資料庫認為本機持有的內容，發佈修正事件
func (m *Manager) reconcile(ctx context.Context) error {
	if m.content == nil {
		return nil
	}
	infos, err := m.content.Enumerate()
	if err != nil {
		return fmt.Errorf("enumerate local content: %w", err)
	}
	recorded, err := m.db.MachineContent(m.cfg.Self)
	if err != nil {
		return fmt.Errorf("read recorded content: %w", err)
	}

	onDisk := make(map[string]contentstore.Info, len(infos))
	for _, i := range infos {
		onDisk[i.Hash.String()] = i
	}
	inDB := make(map[string]struct{}, len(recorded))
	for _, h := range recorded {
		inDB[h.String()] = struct{}{}
	}

	now := m.now().UTC()
	var events []types.LocationEvent
	for k, info := range onDisk {
		if _, ok := inDB[k]; !ok {
			events = append(events, types.LocationEvent{
				Kind: types.EventAdd, Hash: info.Hash, Machine: m.cfg.Self, Size: info.Size, Timestamp: now,
			})
		}
	}
	added := len(events)
	for _, h := range recorded {
		if _, ok := onDisk[h.String()]; !ok {
			events = append(events, types.LocationEvent{
				Kind: types.EventRemove, Hash: h, Machine: m.cfg.Self, Timestamp: now,
			})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Kind != events[j].Kind {
			return events[i].Kind == types.EventAdd
		}
		return events[i].Hash.String() < events[j].Hash.String()
	})

	if err := m.Publish(ctx, events...); err != nil {
		return fmt.Errorf("publish reconciliation events: %w", err)
	}
	removed := len(events) - added
	m.metrics.RecordReconciliation(added, removed)
	m.logger.Info("Reconciliation completed", zap.Int("added", added), zap.Int("removed", removed))
	return nil
}

// ============================================================================
// 輔助函式
// ============================================================================

// readPointer 讀取本 epoch 的 pointer；不存在時回傳零值與 version 0
func (m *Manager) readPointer(ctx context.Context) (types.CheckpointPointer, int64, error) {
	var ptr types.CheckpointPointer
	e, err := sharedstate.Lookup(ctx, m.shared, m.cfg.Prefix+pointerKeySuffix)
	if err != nil {
		return ptr, 0, fmt.Errorf("read checkpoint pointer: %w", err)
	}
	if e.Version == 0 {
		return ptr, 0, nil
	}
	if err := json.Unmarshal(e.Value, &ptr); err != nil {
		return ptr, 0, fmt.Errorf("decode checkpoint pointer: %w", err)
	}
	return ptr, e.Version, nil
}

// Pointer 回傳本 epoch 目前的 pointer
func (m *Manager) Pointer(ctx context.Context) (types.CheckpointPointer, error) {
	ptr, _, err := m.readPointer(ctx)
	return ptr, err
}

func (m *Manager) latest() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.Latest()
}

// updateState 修改並持久化本機 state；寫入失敗只記錄，記憶體中的 state 仍生效
func (m *Manager) updateState(fn func(*State)) {
	m.mu.Lock()
	fn(&m.local)
	m.local.Prefix = m.cfg.Prefix
	m.local.UpdatedAt = m.now().UTC()
	snapshot := m.local
	m.mu.Unlock()

	if err := m.stateFile.Write(snapshot); err != nil {
		m.logger.Warn("Failed to persist checkpoint state", zap.Error(err))
	}
}

func (m *Manager) refreshEntryGauge() {
	if n, err := m.db.Count(); err == nil {
		m.metrics.SetLocationEntries(n)
	}
}

// buildManifest 計算 staging 中每個檔案的 size 與 CRC32
func buildManifest(dir string) ([]types.CheckpointFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	out := make([]types.CheckpointFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			return nil, fmt.Errorf("unexpected directory %s in checkpoint", e.Name())
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		sum := crc32.NewIEEE()
		n, err := io.Copy(sum, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("checksum %s: %w", e.Name(), err)
		}
		out = append(out, types.CheckpointFile{Name: e.Name(), Size: n, Checksum: sum.Sum32()})
	}
	return out, nil
}
