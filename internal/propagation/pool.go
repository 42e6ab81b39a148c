// ============================================================================
// locsync Copy Pool - 有上限的並發 copy 執行器
// ============================================================================
//
// Package: internal/propagation
// 文件: pool.go
// 功能: 限制同時進行的 peer copy 數量（MaxSimultaneousCopies）
//
// 設計模式:
//   固定數量的 worker goroutine 從共享的 taskCh 取任務執行；
//   超過上限的請求在 taskCh 中排隊，而不是開啟更多連線。
//
//   ┌──────────────┐
//   │  Propagator  │ --Submit(ctx, fn)--> taskCh
//   └──────────────┘          ↑ 等待 reply
//   ┌──────────────┐
//   │    Pool      │
//   │  worker 1 ←── taskCh
//   │  worker 2 ←── taskCh   ──→ task.reply
//   │  worker N ←── taskCh
//   └──────────────┘
//
// 生命週期:
//   1. NewPool(bufferSize) - 建立 Pool
//   2. Start(n)            - 啟動 n 個 worker
//   3. Submit(ctx, fn)     - 提交並等待結果（呼叫端取消時立即返回）
//   4. Stop()              - 關閉 taskCh，等待所有 worker 結束
//
// ============================================================================

package propagation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("copy pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("copy pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

type task struct {
	ctx   context.Context
	run   func(ctx context.Context) error
	reply chan error // 容量 1，worker 不會因呼叫端離開而阻塞
}

// Pool 限制同時執行的任務數
type Pool struct {
	taskCh  chan task
	wg      sync.WaitGroup
	workers int
	started bool
	stopped bool
	mu      sync.RWMutex

	running atomic.Int32 // 執行中的任務數
	queued  atomic.Int32 // 排隊中的任務數
}

// NewPool 建立新的 Pool
//   - bufferSize: 任務通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		taskCh: make(chan task, bufferSize),
	}
}

// Start 啟動指定數量的 worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker()
		}()
	}
	p.workers = workerCount
	p.started = true
	return nil
}

func (p *Pool) runWorker() {
	for t := range p.taskCh {
		p.queued.Add(-1)
		// 呼叫端已取消的任務直接略過
		if err := t.ctx.Err(); err != nil {
			t.reply <- err
			continue
		}
		p.running.Add(1)
		err := t.run(t.ctx)
		p.running.Add(-1)
		t.reply <- err
	}
}

// Submit 提交任務並等待執行結果
//
// 超過 worker 數量的任務會排隊；ctx 結束時 Submit 立即返回 ctx.Err()，
// 尚未開始的任務會被 worker 略過。
func (p *Pool) Submit(ctx context.Context, run func(ctx context.Context) error) error {
	// 持有讀鎖直到送出，Stop 不會在送出途中關閉 taskCh
	p.mu.RLock()
	if !p.started {
		p.mu.RUnlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolClosed
	}

	t := task{ctx: ctx, run: run, reply: make(chan error, 1)}
	p.queued.Add(1)
	select {
	case p.taskCh <- t:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.queued.Add(-1)
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-t.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 優雅關閉：不再接受任務，已排隊與執行中的任務會跑完
//
// 阻塞中的 Submit 持有讀鎖，worker 消化 taskCh 後才會釋放，
// 因此 close(taskCh) 不會與送出競爭。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// Running 回傳執行中的任務數
func (p *Pool) Running() int { return int(p.running.Load()) }

// Queued 回傳排隊中的任務數
func (p *Pool) Queued() int { return int(p.queued.Load()) }

// WorkerCount 回傳 worker 數量
func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workers
}
