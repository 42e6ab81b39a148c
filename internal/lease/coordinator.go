// ============================================================================
// locsync Lease Coordinator - 每個 epoch 選出唯一 Master
// ============================================================================
//
// Package: internal/lease
// 文件: coordinator.go
// 功能: 以 shared state 中會過期的 lease 決定角色並通知 listener
//
// 每次 heartbeat:
//   1. 讀取 "<prefix>/master"（version 0 表示不存在）
//   2. 自己持有或 lease 已過期 -> CAS 寫入新的到期時間（取得 / 續約）
//   3. 他人持有且有效 -> Worker
//   4. 角色改變時依序通知所有 listener
//
// Election:
//   auto   - 參與競選
//   worker - 永不競選
//
// ============================================================================

package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/ChuLiYu/locsync/internal/background"
	"github.com/ChuLiYu/locsync/internal/metrics"
	"github.com/ChuLiYu/locsync/internal/sharedstate"
	"github.com/ChuLiYu/locsync/pkg/types"
)

const leaseKeySuffix = "/master"

// Election decides whether a machine campaigns for the lease.
type Election string

const (
	ElectionAuto   Election = "auto"
	ElectionWorker Election = "worker" // never campaign
)

// ParseElection accepts "auto" and "worker". Empty means auto.
func ParseElection(s string) (Election, error) {
	switch Election(s) {
	case "", ElectionAuto:
		return ElectionAuto, nil
	case ElectionWorker:
		return ElectionWorker, nil
	}
	return "", fmt.Errorf("unknown election mode %q", s)
}

// Listener is told about every role change, synchronously and in order.
type Listener interface {
	SetRole(role types.Role)
}

// Config of a Coordinator.
type Config struct {
	Prefix            string
	Candidate         types.MachineID
	LeaseExpiry       time.Duration
	HeartbeatInterval time.Duration
	Election          Election
}

// Coordinator owns this machine's view of its role.
type Coordinator struct {
	cfg      Config
	store    sharedstate.Store
	metrics  *metrics.Collector
	reporter *background.Reporter
	logger   *zap.Logger
	now      func() time.Time

	notifyMu sync.Mutex // orders listener notifications

	mu          sync.Mutex
	role        types.Role
	lastContact time.Time
	listeners   []Listener
}

func New(cfg Config, store sharedstate.Store, m *metrics.Collector, reporter *background.Reporter, logger *zap.Logger) (*Coordinator, error) {
	if cfg.Prefix == "" || cfg.Candidate == "" {
		return nil, errors.New("lease needs a prefix and a candidate id")
	}
	if cfg.LeaseExpiry <= 0 {
		cfg.LeaseExpiry = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.Election == "" {
		cfg.Election = ElectionAuto
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		metrics:  m,
		reporter: reporter,
		logger:   logger.Named("lease").With(zap.String("candidate", string(cfg.Candidate))),
		now:      time.Now,
		role:     types.RoleWorker,
	}
	c.lastContact = c.now()
	m.SetRole(types.RoleWorker)
	return c, nil
}

func (c *Coordinator) key() string { return c.cfg.Prefix + leaseKeySuffix }

// AddListener registers l. It is not called for the current role.
func (c *Coordinator) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Coordinator) Role() types.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// TryAcquireOrRenewLease writes a lease expiring at now+LeaseExpiry when
// none is valid or when ours is, and reports Master. A valid lease held by
// another machine, or losing the conditional write twice, reports Worker.
func (c *Coordinator) TryAcquireOrRenewLease(ctx context.Context, now time.Time) (types.Role, error) {
	if c.cfg.Election == ElectionWorker {
		return types.RoleWorker, nil
	}

	role := types.RoleWorker
	err := retry.Do(
		func() error {
			current, version, err := c.read(ctx)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if version != 0 && current.Holder != c.cfg.Candidate && current.ValidAt(now) {
				role = types.RoleWorker
				return nil
			}

			data, err := json.Marshal(types.Lease{Holder: c.cfg.Candidate, ExpiresAt: now.Add(c.cfg.LeaseExpiry).UTC()})
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if _, err := c.store.CompareAndSwap(ctx, c.key(), version, data); err != nil {
				if errors.Is(err, sharedstate.ErrConflict) {
					return err
				}
				return retry.Unrecoverable(err)
			}
			role = types.RoleMaster
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, sharedstate.ErrConflict) }),
	)
	if errors.Is(err, sharedstate.ErrConflict) {
		c.logger.Debug("Lost lease race twice, staying worker")
		return types.RoleWorker, nil
	}
	if err != nil {
		return types.RoleWorker, err
	}
	return role, nil
}

// Lease returns the current lease record; ok is false when none was ever written.
func (c *Coordinator) Lease(ctx context.Context) (types.Lease, bool, error) {
	l, version, err := c.read(ctx)
	return l, version != 0, err
}

func (c *Coordinator) read(ctx context.Context) (types.Lease, int64, error) {
	var l types.Lease
	e, err := sharedstate.Lookup(ctx, c.store, c.key())
	if err != nil {
		return l, 0, fmt.Errorf("read lease: %w", err)
	}
	if e.Version == 0 {
		return l, 0, nil
	}
	if err := json.Unmarshal(e.Value, &l); err != nil {
		return l, 0, fmt.Errorf("decode lease: %w", err)
	}
	return l, e.Version, nil
}

// Tick evaluates the role once. Store errors keep the current role until
// the store has been unreachable for more than one heartbeat, then the
// machine degrades to Worker.
func (c *Coordinator) Tick(ctx context.Context) types.Role {
	now := c.now()
	role, err := c.TryAcquireOrRenewLease(ctx, now)

	c.mu.Lock()
	if err != nil {
		role = c.role
		if now.Sub(c.lastContact) > c.cfg.HeartbeatInterval {
			role = types.RoleWorker
		}
	} else {
		c.lastContact = now
	}
	c.mu.Unlock()

	if err != nil {
		c.reporter.Report("lease.heartbeat", err)
	}
	c.setRole(role)
	return role
}

// Run ticks immediately and then every heartbeat until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Tick(ctx)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Release gives up our lease so another machine can take over without
// waiting for it to expire.
func (c *Coordinator) Release(ctx context.Context) error {
	defer c.setRole(types.RoleWorker)

	current, version, err := c.read(ctx)
	if err != nil {
		return err
	}
	if version == 0 || current.Holder != c.cfg.Candidate {
		return nil
	}
	expired := types.Lease{Holder: c.cfg.Candidate, ExpiresAt: c.now().UTC()}
	data, err := json.Marshal(expired)
	if err != nil {
		return err
	}
	if _, err := c.store.CompareAndSwap(ctx, c.key(), version, data); err != nil {
		if errors.Is(err, sharedstate.ErrConflict) {
			// someone else already moved on
			return nil
		}
		return fmt.Errorf("release lease: %w", err)
	}
	c.logger.Info("Released master lease")
	return nil
}

func (c *Coordinator) setRole(role types.Role) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.role == role {
		c.mu.Unlock()
		return
	}
	prev := c.role
	c.role = role
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	c.logger.Info("Role changed", zap.Stringer("from", prev), zap.Stringer("to", role))
	c.metrics.SetRole(role)
	c.metrics.RecordRoleTransition(role)
	for _, l := range listeners {
		l.SetRole(role)
	}
}
