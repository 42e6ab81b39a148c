// Package background gives periodic loops and post-initialization work a
// single place to report failures, and gives fire-and-forget work an owner
// that can be joined at shutdown.
package background

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/locsync/internal/metrics"
)

// Reporter receives failures of background operations. Operations never
// stop because of a reported failure.
type Reporter struct {
	logger   *zap.Logger
	metrics  *metrics.Collector
	callback func(operation string, err error)
}

// NewReporter builds a reporter. metrics and callback may be nil.
func NewReporter(logger *zap.Logger, m *metrics.Collector, callback func(operation string, err error)) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{logger: logger, metrics: m, callback: callback}
}

// Report logs and counts err. A nil err or nil Reporter is ignored.
func (r *Reporter) Report(operation string, err error) {
	if r == nil || err == nil {
		return
	}
	r.logger.Error("Background operation failed", zap.String("operation", operation), zap.Error(err))
	r.metrics.RecordBackgroundError(operation)
	if r.callback != nil {
		r.callback(operation, err)
	}
}

// Task is a handle on one goroutine started by Go.
type Task struct {
	name   string
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Go runs fn in a new goroutine. Its error is returned by Wait and sent
// to reporter.
func Go(ctx context.Context, name string, reporter *Reporter, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{name: name, done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(t.done)
		defer cancel()
		err := fn(ctx)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		reporter.Report(name, err)
	}()
	return t
}

// Completed returns a Task that already finished with err, for work that
// ran inline.
func Completed(name string, err error) *Task {
	t := &Task{name: name, done: make(chan struct{}), cancel: func() {}, err: err}
	close(t.done)
	return t
}

func (t *Task) Name() string { return t.name }

// Done is closed when the task returns.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel asks the task to stop.
func (t *Task) Cancel() { t.cancel() }

// Wait blocks until the task returns or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
