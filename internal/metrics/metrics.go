// ============================================================================
// locsync Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露 checkpoint / lease / copy 相關指標
//
// 指標分類:
//
//   1. Checkpoint (Counter / Histogram / Gauge):
//      - locsync_checkpoints_created_total
//      - locsync_checkpoints_restored_total
//      - locsync_checkpoint_duration_seconds{operation}
//      - locsync_checkpoint_sequence{kind="created"|"applied"}
//      - locsync_checkpoint_bytes_uploaded_total
//      - locsync_checkpoint_files_reused_total   (incremental)
//
//   2. Role / Lease:
//      - locsync_role                (1 = master, 0 = worker)
//      - locsync_role_transitions_total
//
//   3. Copy / Propagation:
//      - locsync_copies_total{status}
//      - locsync_copy_bytes_total
//      - locsync_copies_in_flight
//      - locsync_copies_queued       (等待 pool worker)
//      - locsync_propagation_downloads_total{source="local"|"peer"|"central"}
//
//   4. Location database:
//      - locsync_events_applied_total
//      - locsync_location_entries
//      - locsync_reconciliation_events_total{kind}
//
//   5. Background errors:
//      - locsync_background_errors_total{operation}
//
// 每個 Collector 註冊在呼叫端提供的 Registerer 上，測試與多實例互不干擾。
// 所有 Record 方法允許 nil receiver（未啟用 metrics 時直接略過）。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/locsync/pkg/types"
)

const namespace = "locsync"

// Collector Prometheus 指標收集器
type Collector struct {
	registry prometheus.Gatherer

	// checkpoint
	checkpointsCreated  prometheus.Counter
	checkpointsRestored prometheus.Counter
	checkpointDuration  *prometheus.HistogramVec
	checkpointSequence  *prometheus.GaugeVec
	bytesUploaded       prometheus.Counter
	filesReused         prometheus.Counter

	// role
	role            prometheus.Gauge
	roleTransitions prometheus.Counter

	// copy
	copies         *prometheus.CounterVec
	copyBytes      prometheus.Counter
	copiesInFlight prometheus.Gauge
	copiesQueued   prometheus.Gauge
	downloads      *prometheus.CounterVec

	// location database
	eventsApplied        prometheus.Counter
	locationEntries      prometheus.Gauge
	reconciliationEvents *prometheus.CounterVec

	backgroundErrors *prometheus.CounterVec
}

// NewCollector 建立並註冊所有指標。reg 為 nil 時使用新的 Registry。
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: reg,
		checkpointsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_created_total",
			Help:      "Total number of checkpoints created and published",
		}),
		checkpointsRestored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_restored_total",
			Help:      "Total number of checkpoints restored into the local database",
		}),
		checkpointDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Duration of checkpoint operations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		checkpointSequence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_sequence",
			Help:      "Last created or applied checkpoint sequence number",
		}, []string{"kind"}),
		bytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_bytes_uploaded_total",
			Help:      "Bytes of checkpoint files uploaded to central storage",
		}),
		filesReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_files_reused_total",
			Help:      "Checkpoint files reused from a previous checkpoint instead of uploaded",
		}),
		role: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "role",
			Help:      "Current role of this machine (1 = master, 0 = worker)",
		}),
		roleTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_transitions_total",
			Help:      "Number of role changes observed by this machine",
		}),
		copies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copies_total",
			Help:      "Peer copies by outcome",
		}, []string{"status"}),
		copyBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copy_bytes_total",
			Help:      "Bytes received through peer copies",
		}),
		copiesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "copies_in_flight",
			Help:      "Peer copies currently running",
		}),
		copiesQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "copies_queued",
			Help:      "Peer copies waiting for a free copy slot",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_downloads_total",
			Help:      "Checkpoint blob downloads by the source that served them",
		}, []string{"source"}),
		eventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Location events applied by the master",
		}),
		locationEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "location_entries",
			Help:      "Entries in the local location database",
		}),
		reconciliationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_events_total",
			Help:      "Events published by reconciliation",
		}, []string{"kind"}),
		backgroundErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_errors_total",
			Help:      "Failures of periodic loops and background tasks",
		}, []string{"operation"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.checkpointsCreated,
		c.checkpointsRestored,
		c.checkpointDuration,
		c.checkpointSequence,
		c.bytesUploaded,
		c.filesReused,
		c.role,
		c.roleTransitions,
		c.copies,
		c.copyBytes,
		c.copiesInFlight,
		c.copiesQueued,
		c.downloads,
		c.eventsApplied,
		c.locationEntries,
		c.reconciliationEvents,
		c.backgroundErrors,
	)
	return c
}

// Handler 回傳此 Collector 的 /metrics handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordCheckpointCreated 記錄 checkpoint 建立完成
func (c *Collector) RecordCheckpointCreated(seq uint64, seconds float64, uploadedBytes int64, reusedFiles int) {
	if c == nil {
		return
	}
	c.checkpointsCreated.Inc()
	c.checkpointDuration.WithLabelValues("create").Observe(seconds)
	c.checkpointSequence.WithLabelValues("created").Set(float64(seq))
	c.bytesUploaded.Add(float64(uploadedBytes))
	c.filesReused.Add(float64(reusedFiles))
}

// RecordCheckpointRestored 記錄 checkpoint 還原完成
func (c *Collector) RecordCheckpointRestored(seq uint64, seconds float64) {
	if c == nil {
		return
	}
	c.checkpointsRestored.Inc()
	c.checkpointDuration.WithLabelValues("restore").Observe(seconds)
	c.checkpointSequence.WithLabelValues("applied").Set(float64(seq))
}

// SetRole 更新目前角色
func (c *Collector) SetRole(role types.Role) {
	if c == nil {
		return
	}
	if role == types.RoleMaster {
		c.role.Set(1)
	} else {
		c.role.Set(0)
	}
}

// RecordRoleTransition 記錄角色切換
func (c *Collector) RecordRoleTransition(to types.Role) {
	if c == nil {
		return
	}
	c.roleTransitions.Inc()
	c.SetRole(to)
}

// RecordCopy 記錄一次 peer copy 結果
func (c *Collector) RecordCopy(status string, bytes int64) {
	if c == nil {
		return
	}
	c.copies.WithLabelValues(status).Inc()
	c.copyBytes.Add(float64(bytes))
}

// CopyStarted / CopyFinished 追蹤進行中的 copy 數量
func (c *Collector) CopyStarted() {
	if c == nil {
		return
	}
	c.copiesInFlight.Inc()
}

func (c *Collector) CopyFinished() {
	if c == nil {
		return
	}
	c.copiesInFlight.Dec()
}

// SetCopiesQueued 更新排隊中的 copy 數量
func (c *Collector) SetCopiesQueued(n int) {
	if c == nil {
		return
	}
	c.copiesQueued.Set(float64(n))
}

// RecordDownload 記錄 checkpoint blob 的來源（local / peer / central）
func (c *Collector) RecordDownload(source string) {
	if c == nil {
		return
	}
	c.downloads.WithLabelValues(source).Inc()
}

// RecordEventsApplied 記錄 master 套用的事件數
func (c *Collector) RecordEventsApplied(n int) {
	if c == nil {
		return
	}
	c.eventsApplied.Add(float64(n))
}

// SetLocationEntries 更新資料庫筆數
func (c *Collector) SetLocationEntries(n int) {
	if c == nil {
		return
	}
	c.locationEntries.Set(float64(n))
}

// RecordReconciliation 記錄 reconciliation 發出的事件
func (c *Collector) RecordReconciliation(added, removed int) {
	if c == nil {
		return
	}
	c.reconciliationEvents.WithLabelValues(string(types.EventAdd)).Add(float64(added))
	c.reconciliationEvents.WithLabelValues(string(types.EventRemove)).Add(float64(removed))
}

// RecordBackgroundError 記錄背景迴圈失敗
func (c *Collector) RecordBackgroundError(operation string) {
	if c == nil {
		return
	}
	c.backgroundErrors.WithLabelValues(operation).Inc()
}
