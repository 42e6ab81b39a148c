// ============================================================================
// locsync Node - 組合一台機器的所有元件
// ============================================================================
//
// Package: internal/node
// 文件: service.go
// 功能: 依設定建立並管理 shared state、content store、copy service、
//       checkpoint manager、lease coordinator 與 admin server
//
// 生命週期:
//   1. New   - 建立所有元件（失敗時關閉已開啟的部分）
//   2. Start - 啟動 copy / admin server、checkpoint manager，第一次 lease tick
//   3. Stop  - 停止 lease 迴圈 -> manager -> 釋放 lease -> servers -> 關閉儲存
//
// ============================================================================

package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ChuLiYu/locsync/internal/background"
	"github.com/ChuLiYu/locsync/internal/centralstorage"
	"github.com/ChuLiYu/locsync/internal/checkpoint"
	"github.com/ChuLiYu/locsync/internal/config"
	"github.com/ChuLiYu/locsync/internal/contentstore"
	"github.com/ChuLiYu/locsync/internal/copier"
	"github.com/ChuLiYu/locsync/internal/eventstream"
	"github.com/ChuLiYu/locsync/internal/lease"
	"github.com/ChuLiYu/locsync/internal/locationdb"
	"github.com/ChuLiYu/locsync/internal/metrics"
	"github.com/ChuLiYu/locsync/internal/propagation"
	"github.com/ChuLiYu/locsync/internal/reputation"
	"github.com/ChuLiYu/locsync/internal/sharedstate"
	"github.com/ChuLiYu/locsync/pkg/types"
)

const (
	releaseTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
	reputationDecay = time.Hour
)

// Option customizes New.
type Option func(*options)

type options struct {
	shared   sharedstate.Store
	events   eventstream.Stream
	registry *prometheus.Registry
}

// WithSharedState injects an externally owned store and event stream
// instead of the configured ones. Stop does not close them.
func WithSharedState(store sharedstate.Store, stream eventstream.Stream) Option {
	return func(o *options) {
		o.shared = store
		o.events = stream
	}
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Service is one running machine.
type Service struct {
	cfg     *config.Config
	self    types.MachineID
	logger  *zap.Logger
	metrics *metrics.Collector

	reporter   *background.Reporter
	shared     sharedstate.Store
	ownsShared bool
	events     eventstream.Stream
	content    *contentstore.Store

	copyServer *copier.Server
	copier     *copier.Copier
	propagator *propagation.Propagator
	db         *locationdb.DB
	manager    *checkpoint.Manager
	lease      *lease.Coordinator
	admin      *adminServer

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	leaseDone chan struct{}
}

// New builds every component described by cfg without starting any of
// them. On error everything opened so far is closed again.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (_ *Service, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	s := &Service{
		cfg:     cfg,
		self:    types.MachineID(cfg.Machine.ID),
		logger:  logger.With(zap.String("machine", cfg.Machine.ID)),
		metrics: metrics.NewCollector(o.registry),
	}
	s.reporter = background.NewReporter(s.logger, s.metrics, nil)
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if err := s.openSharedState(o); err != nil {
		return nil, err
	}

	s.content, err = contentstore.New(cfg.Content.Root)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	s.copier = copier.New(copier.Config{Port: cfg.Copy.Port, Timeout: cfg.Copy.Timeout}, s.logger)

	sources := copier.Sources{s.content}
	if enabled, ok := cfg.Checkpointing().(config.CheckpointEnabled); ok {
		if err := s.buildCheckpointing(enabled); err != nil {
			return nil, err
		}
		if s.propagator != nil {
			sources = append(sources, s.propagator.Store())
		}
	} else {
		s.logger.Info("Checkpointing disabled, no working directory configured")
	}
	s.copyServer = copier.NewServer(sources, cfg.Copy.ChunkSize, s.logger)

	if cfg.Admin.Listen != "" {
		s.admin = newAdminServer(s, s.logger)
	}
	return s, nil
}

func (s *Service) openSharedState(o options) error {
	if o.shared != nil {
		s.shared, s.events = o.shared, o.events
		if s.events == nil {
			return errors.New("shared state injected without an event stream")
		}
		return nil
	}

	switch s.cfg.SharedState.Kind {
	case "sqlite":
		store, err := sharedstate.OpenSQLite(s.cfg.SharedState.Path)
		if err != nil {
			return fmt.Errorf("open shared state: %w", err)
		}
		s.shared = store
		s.events = eventstream.NewSQLiteStream(store.DB())
	default:
		s.shared = sharedstate.NewMemoryStore()
		s.events = eventstream.NewMemoryStream()
	}
	s.ownsShared = true
	return nil
}

func (s *Service) openCentral(central config.CentralStoreConfig) (centralstorage.Storage, time.Duration, error) {
	switch central.Kind {
	case "local":
		disk, err := centralstorage.NewLocalDisk(central.Local.Directory, s.logger)
		return disk, central.Local.Retention, err
	case "blob":
		blob, err := centralstorage.NewBlob(centralstorage.BlobConfig{
			ConnectionStrings: central.Blob.ConnectionStrings,
			Container:         central.Blob.Container,
			OperationTimeout:  central.Blob.OperationTimeout,
		}, s.logger)
		return blob, central.Blob.Retention, err
	default:
		return nil, 0, fmt.Errorf("central storage kind %q cannot hold checkpoints", central.Kind)
	}
}

func (s *Service) buildCheckpointing(enabled config.CheckpointEnabled) error {
	cp := enabled.Checkpoint

	storage, retention, err := s.openCentral(enabled.Central)
	if err != nil {
		return fmt.Errorf("open central storage: %w", err)
	}

	if d := s.cfg.Distributed; d.Enabled {
		cache, err := contentstore.New(d.CacheRoot)
		if err != nil {
			return fmt.Errorf("open propagation cache: %w", err)
		}
		s.propagator, err = propagation.New(propagation.Config{
			Self:                  s.self,
			Prefix:                enabled.Prefix,
			PropagationDelay:      d.PropagationDelay,
			PropagationIterations: d.PropagationIterations,
			MaxRetentionBytes:     d.MaxRetentionBytes(),
			MaxSimultaneousCopies: d.MaxSimultaneousCopies,
		}, storage, cache, s.shared, s.copier, reputation.NewTracker(reputationDecay), s.metrics, s.logger)
		if err != nil {
			return fmt.Errorf("start propagation: %w", err)
		}
		storage = s.propagator
	}

	s.db, err = locationdb.Open(filepath.Join(cp.WorkingDirectory, "db"), s.logger)
	if err != nil {
		return fmt.Errorf("open location database: %w", err)
	}

	s.manager, err = checkpoint.NewManager(checkpoint.Config{
		Prefix:                   enabled.Prefix,
		Self:                     s.self,
		WorkingDirectory:         filepath.Join(cp.WorkingDirectory, "work"),
		CreateInterval:           cp.CreateInterval,
		RestoreInterval:          cp.RestoreInterval,
		EventDrainInterval:       cp.EventDrainInterval,
		Incremental:              cp.Incremental,
		ReuseWindow:              retention / 2,
		Retention:                retention,
		Reconciliation:           cp.Reconciliation,
		InlinePostInitialization: cp.InlinePostInitialization,
		LocationEntryExpiry:      cp.LocationEntryExpiry,
	}, s.db, storage, s.shared, s.events, s.content, s.reporter, s.metrics, s.logger)
	if err != nil {
		return err
	}

	election, err := lease.ParseElection(cp.Election)
	if err != nil {
		return err
	}
	s.lease, err = lease.New(lease.Config{
		Prefix:            enabled.Prefix,
		Candidate:         s.self,
		LeaseExpiry:       cp.MasterLeaseExpiry,
		HeartbeatInterval: cp.HeartbeatInterval,
		Election:          election,
	}, s.shared, s.metrics, s.reporter, s.logger)
	if err != nil {
		return err
	}
	s.lease.AddListener(s.manager)
	return nil
}

// Start brings the machine up. The first lease tick and, when configured
// inline, the first restore happen before Start returns.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Starting locsync machine",
		zap.String("copy_listen", s.cfg.Copy.Listen),
		zap.String("admin_listen", s.cfg.Admin.Listen),
		zap.Bool("checkpointing", s.manager != nil),
		zap.Bool("distributed", s.propagator != nil))

	if _, err := s.copyServer.Serve(s.cfg.Copy.Listen); err != nil {
		return err
	}
	if s.admin != nil {
		if err := s.admin.start(s.cfg.Admin.Listen); err != nil {
			s.copyServer.Stop()
			return err
		}
	}

	if s.manager != nil {
		if err := s.manager.Start(ctx); err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		s.mu.Lock()
		s.cancel = cancel
		s.leaseDone = done
		s.mu.Unlock()

		s.lease.Tick(runCtx)
		go func() {
			defer close(done)
			if err := s.lease.Run(runCtx); err != nil {
				s.reporter.Report("lease.run", err)
			}
		}()
	}

	s.logger.Info("Machine started", zap.Stringer("role", s.Role()))
	return nil
}

// Stop stops every loop and server, gives up the master lease and closes
// the stores. It is safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.cancel, s.leaseDone
	s.mu.Unlock()

	s.logger.Info("Stopping machine")

	if cancel != nil {
		cancel()
		<-done
	}
	if s.manager != nil {
		s.manager.Stop()
	}
	if s.lease != nil {
		ctx, cancelRelease := context.WithTimeout(context.Background(), releaseTimeout)
		if err := s.lease.Release(ctx); err != nil {
			s.logger.Warn("Failed to release master lease", zap.Error(err))
		}
		cancelRelease()
	}
	if s.copyServer != nil {
		s.copyServer.Stop()
	}
	if s.admin != nil {
		ctx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.admin.shutdown(ctx); err != nil {
			s.logger.Warn("Admin server shutdown failed", zap.Error(err))
		}
		cancelShutdown()
	}
	s.close()
	s.logger.Info("Machine stopped")
}

// close releases stores; used by Stop and by a failed New.
func (s *Service) close() {
	if s.propagator != nil {
		s.propagator.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("Failed to close location database", zap.Error(err))
		}
	}
	if s.ownsShared && s.shared != nil {
		if err := s.shared.Close(); err != nil {
			s.logger.Warn("Failed to close shared state", zap.Error(err))
		}
	}
}

// Role is the current role; machines without checkpointing are workers.
func (s *Service) Role() types.Role {
	if s.lease == nil {
		return types.RoleWorker
	}
	return s.lease.Role()
}

// Content is the machine's local content store.
func (s *Service) Content() *contentstore.Store { return s.content }

// CopyAddr is the bound copy listener address, nil before Start.
func (s *Service) CopyAddr() net.Addr { return s.copyServer.Addr() }

// Metrics returns the service's collector.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// Status is the admin view of a machine.
type Status struct {
	Machine         string `json:"machine"`
	Role            string `json:"role"`
	Checkpointing   bool   `json:"checkpointing"`
	Prefix          string `json:"prefix,omitempty"`
	Epoch           string `json:"epoch,omitempty"`
	LastCreated     uint64 `json:"last_created"`
	LastApplied     uint64 `json:"last_applied"`
	EventCursor     int64  `json:"event_cursor"`
	LastCheckpoint  string `json:"last_checkpoint,omitempty"`
	PointerSequence uint64 `json:"pointer_sequence"`
	LocationEntries int    `json:"location_entries"`
	CopiesRunning   int    `json:"copies_running,omitempty"`
	CopiesQueued    int    `json:"copies_queued,omitempty"`
}

// Status collects the local and shared checkpoint state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{
		Machine: s.cfg.Machine.ID,
		Role:    s.Role().String(),
	}
	if s.manager == nil {
		return st, nil
	}

	local := s.manager.Status()
	st.Checkpointing = true
	st.Prefix = local.Prefix
	st.Epoch = s.cfg.Checkpoint.Epoch
	st.LastCreated = local.LastCreated
	st.LastApplied = local.LastApplied
	st.EventCursor = local.EventCursor
	st.LastCheckpoint = local.LastCheckpoint

	n, err := s.db.Count()
	if err != nil {
		return st, fmt.Errorf("count location entries: %w", err)
	}
	st.LocationEntries = n
	if s.propagator != nil {
		st.CopiesRunning, st.CopiesQueued = s.propagator.Backlog()
	}

	ptr, err := s.manager.Pointer(ctx)
	if err != nil {
		return st, err
	}
	st.PointerSequence = ptr.Sequence
	return st, nil
}

// EvictionCandidates lists local content in eviction order, replicated
// content first.
func (s *Service) EvictionCandidates(limit int) ([]locationdb.Candidate, error) {
	if s.db == nil {
		return nil, errors.New("checkpointing disabled")
	}
	penalty := time.Duration(s.cfg.Checkpoint.ReplicaPenaltyMinutes) * time.Minute
	return s.db.EvictionCandidates(s.self, penalty, limit)
}
