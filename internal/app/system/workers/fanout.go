// internal/app/system/workers/fanout.go
package workers

import (
	"context"
	"sync"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/fanout"
	"go.uber.org/zap"
)

// FanoutWorker is a background worker that drains the notification queue.
// It runs when the queue is woken after a commit and on every poll tick, so
// retries and jobs enqueued by other instances are picked up too.
type FanoutWorker struct {
	queue    *fanout.Queue
	log      *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewFanoutWorker creates a new fan-out worker.
//
// Parameters:
//   - queue: the notification queue
//   - logger: zap logger for logging
//   - interval: how often to poll for due jobs (e.g., 1 second)
func NewFanoutWorker(queue *fanout.Queue, logger *zap.Logger, interval time.Duration) *FanoutWorker {
	if interval <= 0 {
		interval = time.Second
	}
	return &FanoutWorker{
		queue:    queue,
		log:      logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background drain loop.
func (w *FanoutWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
	w.log.Info("fanout worker started", zap.Duration("interval", w.interval))
}

// Stop signals the worker to stop and waits for the current drain to finish.
func (w *FanoutWorker) Stop() {
	close(w.stopCh)
	w.cancel()
	w.wg.Wait()
	w.log.Info("fanout worker stopped")
}

func (w *FanoutWorker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.queue.Wakeups():
			w.drain(ctx)
		}
	}
}

// drain keeps claiming batches until the queue has nothing due.
func (w *FanoutWorker) drain(ctx context.Context) {
	batch := w.queue.Config().BatchSize
	for {
		n, err := w.queue.Drain(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error("failed to drain notification queue", zap.Error(err))
			}
			return
		}
		if n > 0 {
			w.log.Debug("drained notification jobs", zap.Int("count", n))
		}
		if n < batch {
			return
		}
		select {
		case <-w.stopCh:
			return
		default:
		}
	}
}
