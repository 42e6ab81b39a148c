// ============================================================================
// locsync Propagator - checkpoint blob 的機器間傳播
// ============================================================================
//
// Package: internal/propagation
// 文件: propagator.go
// 功能: 以 centralstorage.Storage 介面包裝 central storage，優先從 peer 取檔
//
// 流程:
//   Upload   - 寫入私有 content store -> 在 registry 宣告持有 -> 上傳 fallback
//              reference 格式為 "<HASH>|<fallback ref>"
//   Download - 本機命中直接讀取；否則：
//     1. 依 reputation 排序嘗試每個宣告持有者（經由 copy pool 限流）
//     2. 重複 PropagationIterations 輪，每輪間隔 PropagationDelay
//     3. 仍失敗才從 fallback 下載
//     4. 驗證 hash、存入、宣告、執行 retention
//
// 並發安全:
//   - 同一 hash 的下載以 singleflight 合併，fetch 使用 Propagator 自身的
//     context，不受第一個呼叫端取消影響，Close 時才中止
//   - 讀取中的 blob 被 pin 住，retention 不會刪除
//
// ============================================================================

package propagation

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/locsync/internal/address"
	"github.com/ChuLiYu/locsync/internal/centralstorage"
	"github.com/ChuLiYu/locsync/internal/contentstore"
	"github.com/ChuLiYu/locsync/internal/copier"
	"github.com/ChuLiYu/locsync/internal/metrics"
	"github.com/ChuLiYu/locsync/internal/reputation"
	"github.com/ChuLiYu/locsync/internal/sharedstate"
	"github.com/ChuLiYu/locsync/pkg/types"
)

const refSeparator = "|"

// ErrHashMismatch is returned when fetched bytes do not match their hash.
var ErrHashMismatch = errors.New("propagated blob hash mismatch")

// Copier is the subset of copier.Copier the propagator uses.
type Copier interface {
	CopyTo(ctx context.Context, path, destPath string, expectedSize int64) copier.Outcome
}

// Config of a Propagator.
type Config struct {
	Self                  types.MachineID
	Prefix                string // checkpoint prefix of the epoch
	PropagationDelay      time.Duration
	PropagationIterations int
	MaxRetentionBytes     int64
	MaxSimultaneousCopies int
	Codec                 address.Codec
}

// Propagator implements centralstorage.Storage.
type Propagator struct {
	cfg        Config
	fallback   centralstorage.Storage
	store      *contentstore.Store
	registry   *Registry
	copier     Copier
	reputation *reputation.Tracker
	metrics    *metrics.Collector
	logger     *zap.Logger
	pool       *Pool
	group      singleflight.Group
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	// fetches outlive the first caller and end with Close
	ctx    context.Context
	cancel context.CancelFunc

	pinMu  sync.Mutex
	pinned map[string]int // blobs being read; retention skips them
}

var _ centralstorage.Storage = (*Propagator)(nil)

// New builds and starts a Propagator. Close stops its copy pool.
func New(cfg Config, fallback centralstorage.Storage, store *contentstore.Store, state sharedstate.Store,
	cp Copier, rep *reputation.Tracker, m *metrics.Collector, logger *zap.Logger) (*Propagator, error) {
	if fallback == nil {
		return nil, errors.New("propagation needs a fallback storage")
	}
	if cfg.PropagationIterations <= 0 {
		cfg.PropagationIterations = 3
	}
	if cfg.MaxSimultaneousCopies <= 0 {
		cfg.MaxSimultaneousCopies = 10
	}
	if cfg.Codec.Extension == "" && len(cfg.Codec.Root) == 0 {
		cfg.Codec = address.DefaultCodec
	}
	if rep == nil {
		rep = reputation.NewTracker(time.Hour)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool := NewPool(cfg.MaxSimultaneousCopies * 4)
	if err := pool.Start(cfg.MaxSimultaneousCopies); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Propagator{
		ctx:        ctx,
		cancel:     cancel,
		pinned:     make(map[string]int),
		cfg:        cfg,
		fallback:   fallback,
		store:      store,
		registry:   NewRegistry(state, cfg.Prefix),
		copier:     cp,
		reputation: rep,
		metrics:    m,
		logger:     logger.Named("propagation"),
		pool:       pool,
		now:        time.Now,
		sleep:      sleepContext,
	}, nil
}

// Close aborts pending fetches and stops the copy pool after running
// copies finish.
func (p *Propagator) Close() {
	p.cancel()
	p.pool.Stop()
	p.metrics.SetCopiesQueued(0)
}

// Backlog reports the copies running and waiting for a pool worker.
func (p *Propagator) Backlog() (running, queued int) {
	return p.pool.Running(), p.pool.Queued()
}

// Store exposes the private blob store, which the copy server serves.
func (p *Propagator) Store() *contentstore.Store { return p.store }

// Upload keeps the blob, advertises it and uploads it to the fallback.
func (p *Propagator) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	hash, size, err := p.ingest(ctx, func(w io.Writer) (int64, error) {
		return io.Copy(w, r)
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	defer p.unpin(hash)

	p.advertise(ctx, hash)

	f, _, err := p.store.Open(hash)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	defer f.Close()
	fallbackRef, err := p.fallback.Upload(ctx, key, f)
	if err != nil {
		return "", err
	}

	p.logger.Debug("Uploaded blob", zap.String("key", key), zap.String("hash", hash.String()), zap.Int64("size", size))
	p.enforceRetention(ctx, hash)
	return hash.String() + refSeparator + fallbackRef, nil
}

// Download serves ref from the private store, a peer or the fallback.
func (p *Propagator) Download(ctx context.Context, ref string, w io.Writer) (int64, error) {
	hashStr, fallbackRef, ok := strings.Cut(ref, refSeparator)
	if !ok {
		// written by a machine without propagation
		return p.fallback.Download(ctx, ref, w)
	}
	hash, err := types.ParseContentHash(hashStr)
	if err != nil {
		return 0, fmt.Errorf("bad propagation reference %q: %w", ref, err)
	}

	p.pin(hash)
	defer p.unpin(hash)

	if p.store.Contains(hash) {
		p.metrics.RecordDownload("local")
	} else {
		ch := p.group.DoChan(hash.String(), func() (interface{}, error) {
			if p.store.Contains(hash) {
				return nil, nil
			}
			return nil, p.fetch(p.ctx, hash, fallbackRef)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return 0, res.Err
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	f, _, err := p.store.Open(hash)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", hash, err)
	}
	defer f.Close()
	return io.Copy(w, f)
}

// Prune delegates to the fallback.
func (p *Propagator) Prune(ctx context.Context, retention time.Duration) (int, error) {
	return p.fallback.Prune(ctx, retention)
}

// fetch obtains hash from a peer or, failing that, from the fallback.
func (p *Propagator) fetch(ctx context.Context, hash types.ContentHash, fallbackRef string) error {
	for round := 0; round < p.cfg.PropagationIterations; round++ {
		if round > 0 {
			if err := p.sleep(ctx, p.cfg.PropagationDelay); err != nil {
				return err
			}
		}
		done, err := p.tryPeers(ctx, hash)
		if err != nil {
			return err
		}
		if done {
			p.metrics.RecordDownload("peer")
			p.advertise(ctx, hash)
			p.enforceRetention(ctx, hash)
			return nil
		}
	}

	p.logger.Debug("No peer served blob, using central storage", zap.String("hash", hash.String()))
	_, _, err := p.ingestExpecting(ctx, hash, func(w io.Writer) (int64, error) {
		return p.fallback.Download(ctx, fallbackRef, w)
	})
	if err != nil {
		return err
	}
	p.metrics.RecordDownload("central")
	p.advertise(ctx, hash)
	p.enforceRetention(ctx, hash)
	return nil
}

// tryPeers attempts every advertised holder once, best reputation first.
// It only returns an error when ctx ended.
func (p *Propagator) tryPeers(ctx context.Context, hash types.ContentHash) (bool, error) {
	holders, err := p.registry.Holders(ctx, hash)
	if err != nil {
		p.logger.Warn("Failed to read blob holders", zap.String("hash", hash.String()), zap.Error(err))
		return false, ctx.Err()
	}
	peers := holders[:0]
	for _, h := range holders {
		if h != p.cfg.Self {
			peers = append(peers, h)
		}
	}

	for _, peer := range p.reputation.Rank(peers) {
		var ok bool
		p.metrics.SetCopiesQueued(p.pool.Queued() + 1)
		err := p.pool.Submit(ctx, func(ctx context.Context) error {
			p.metrics.SetCopiesQueued(p.pool.Queued())
			ok = p.copyFrom(ctx, peer, hash)
			return nil
		})
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (p *Propagator) copyFrom(ctx context.Context, peer types.MachineID, hash types.ContentHash) bool {
	p.metrics.CopyStarted()
	defer p.metrics.CopyFinished()

	tmp, err := os.CreateTemp(p.store.Root(), ".peer-*")
	if err != nil {
		p.logger.Warn("Failed to create copy destination", zap.Error(err))
		return false
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	path := p.cfg.Codec.Encode(address.Address{Host: string(peer), Hash: hash})
	out := p.copier.CopyTo(ctx, path, tmpPath, copier.UnknownSize)
	p.metrics.RecordCopy(out.Status.String(), out.BytesCopied)

	switch out.Status {
	case copier.Success:
	case copier.SourceNotFound:
		p.reputation.ReportMissing(peer)
		return false
	default:
		p.reputation.ReportFailure(peer)
		p.logger.Debug("Peer copy failed", zap.String("peer", string(peer)), zap.String("status", out.Status.String()), zap.Error(out.Err))
		return false
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return false
	}
	_, _, err = p.ingestExpecting(ctx, hash, func(w io.Writer) (int64, error) {
		return io.Copy(w, f)
	})
	f.Close()
	if err != nil {
		p.reputation.ReportFailure(peer)
		p.logger.Warn("Peer served corrupt blob", zap.String("peer", string(peer)), zap.Error(err))
		return false
	}
	p.reputation.ReportSuccess(peer)
	return true
}

// ingest writes the bytes produced by fill into the store under their
// SHA-256 hash. The stored blob is returned pinned; the caller unpins it.
func (p *Propagator) ingest(ctx context.Context, fill func(io.Writer) (int64, error)) (types.ContentHash, int64, error) {
	tmp, err := os.CreateTemp(p.store.Root(), ".ingest-*")
	if err != nil {
		return types.ContentHash{}, 0, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	n, err := fill(io.MultiWriter(tmp, h))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return types.ContentHash{}, 0, err
	}

	hash, err := types.NewContentHash(types.HashTypeSHA256, h.Sum(nil))
	if err != nil {
		return types.ContentHash{}, 0, err
	}
	p.pin(hash)
	if _, err := p.store.PutFile(ctx, hash, tmpPath); err != nil {
		p.unpin(hash)
		return types.ContentHash{}, 0, err
	}
	return hash, n, nil
}

// ingestExpecting is ingest that rejects content not matching want.
func (p *Propagator) ingestExpecting(ctx context.Context, want types.ContentHash, fill func(io.Writer) (int64, error)) (types.ContentHash, int64, error) {
	tmp, err := os.CreateTemp(p.store.Root(), ".ingest-*")
	if err != nil {
		return types.ContentHash{}, 0, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	n, err := fill(io.MultiWriter(tmp, h))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return types.ContentHash{}, 0, err
	}
	got, err := types.NewContentHash(types.HashTypeSHA256, h.Sum(nil))
	if err != nil {
		return types.ContentHash{}, 0, err
	}
	if !got.Equal(want) {
		return types.ContentHash{}, 0, fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, want, got)
	}
	if _, err := p.store.PutFile(ctx, want, tmpPath); err != nil {
		return types.ContentHash{}, 0, err
	}
	return want, n, nil
}

func (p *Propagator) advertise(ctx context.Context, hash types.ContentHash) {
	if err := p.registry.Advertise(ctx, hash, p.cfg.Self, p.now()); err != nil {
		// peers fall back to central storage
		p.logger.Warn("Failed to advertise blob", zap.String("hash", hash.String()), zap.Error(err))
	}
}

func (p *Propagator) pin(hash types.ContentHash) {
	p.pinMu.Lock()
	p.pinned[hash.String()]++
	p.pinMu.Unlock()
}

func (p *Propagator) unpin(hash types.ContentHash) {
	p.pinMu.Lock()
	defer p.pinMu.Unlock()
	k := hash.String()
	if p.pinned[k]--; p.pinned[k] <= 0 {
		delete(p.pinned, k)
	}
}

// evict deletes hash unless a reader has it pinned. Holding pinMu across
// the delete means a reader either pins first or finds the blob gone.
func (p *Propagator) evict(hash types.ContentHash) (bool, error) {
	p.pinMu.Lock()
	defer p.pinMu.Unlock()
	if p.pinned[hash.String()] > 0 {
		return false, nil
	}
	return true, p.store.Delete(hash)
}

// enforceRetention evicts the oldest blobs while the store exceeds its size limit.
// keep and blobs still being read are never evicted.
func (p *Propagator) enforceRetention(ctx context.Context, keep types.ContentHash) {
	if p.cfg.MaxRetentionBytes <= 0 {
		return
	}
	infos, err := p.store.Enumerate()
	if err != nil {
		p.logger.Warn("Failed to enumerate propagated blobs", zap.Error(err))
		return
	}
	var total int64
	for _, i := range infos {
		total += i.Size
	}
	if total <= p.cfg.MaxRetentionBytes {
		return
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ModTime.Before(infos[j].ModTime) })
	for _, info := range infos {
		if total <= p.cfg.MaxRetentionBytes {
			break
		}
		if info.Hash.Equal(keep) {
			continue
		}
		evicted, err := p.evict(info.Hash)
		if err != nil {
			p.logger.Warn("Failed to evict blob", zap.String("hash", info.Hash.String()), zap.Error(err))
			continue
		}
		if !evicted {
			continue
		}
		if err := p.registry.Withdraw(ctx, info.Hash, p.cfg.Self); err != nil {
			p.logger.Warn("Failed to withdraw blob", zap.String("hash", info.Hash.String()), zap.Error(err))
		}
		total -= info.Size
		p.logger.Debug("Evicted propagated blob", zap.String("hash", info.Hash.String()), zap.Int64("size", info.Size))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
