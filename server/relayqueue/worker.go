package relayqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/circuitbreaker"
	"github.com/migadu/smtpd/pkg/metrics"
	"github.com/migadu/smtpd/server/delivery"
)

// RelayQueue is the part of DiskQueue the worker needs.
type RelayQueue interface {
	AcquireNext() (*QueuedMessage, []byte, error)
	MarkSuccess(id string) error
	MarkFailure(id, errorMsg string) error
	MarkPermanentFailure(id, errorMsg string) error
	Release(id string) error
	GetStats() (pending, processing, failed int, err error)
}

// Worker delivers queued items through the relay, a few at a time.
type Worker struct {
	queue       RelayQueue
	relay       delivery.Relay
	interval    time.Duration
	batchSize   int
	concurrency int
	notifyCh    chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

func NewWorker(queue RelayQueue, relay delivery.Relay, interval time.Duration, batchSize, concurrency int) *Worker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Worker{
		queue:       queue,
		relay:       relay,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start begins background processing. Calling it twice is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	logger.Info("RelayQueue: worker started", "interval", w.interval, "batch_size", w.batchSize, "concurrency", w.concurrency)
}

// Stop waits for in-flight deliveries to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	logger.Info("RelayQueue: worker stopped")
}

// NotifyQueued wakes the worker without waiting for the next tick.
func (w *Worker) NotifyQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.processQueue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		case <-w.notifyCh:
		}
		if err := w.processQueue(ctx); err != nil {
			logger.Error("RelayQueue: worker pass failed", "error", err)
		}
	}
}

// processQueue acquires up to batchSize due items and delivers them with
// bounded concurrency.
func (w *Worker) processQueue(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	processed := 0
	for processed < w.batchSize {
		if ctx.Err() != nil {
			return nil
		}

		item, raw, err := w.queue.AcquireNext()
		if err != nil {
			return fmt.Errorf("failed to acquire item: %w", err)
		}
		if item == nil {
			break
		}

		select {
		case <-ctx.Done():
			if err := w.queue.Release(item.ID); err != nil {
				logger.Error("RelayQueue: failed to release item", "id", item.ID, "error", err)
			}
			return nil
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(item *QueuedMessage, raw []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			w.deliver(ctx, item, raw)
		}(item, raw)
		processed++
	}

	wg.Wait()
	if processed > 0 {
		w.observeDepth()
	}
	return nil
}

func (w *Worker) observeDepth() {
	pending, processing, failed, err := w.queue.GetStats()
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	metrics.QueueDepth.WithLabelValues("processing").Set(float64(processing))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(failed))
}

func (w *Worker) deliver(ctx context.Context, item *QueuedMessage, raw []byte) {
	metrics.QueueAge.WithLabelValues(item.Kind).Observe(time.Since(item.QueuedAt).Seconds())

	start := time.Now()
	err := w.relay.Send(ctx, item.From, item.To, raw)
	duration := time.Since(start)

	switch {
	case err == nil:
		if markErr := w.queue.MarkSuccess(item.ID); markErr != nil {
			logger.Error("RelayQueue: failed to mark success", "id", item.ID, "error", markErr)
		}
		metrics.QueueDeliveries.WithLabelValues("success").Inc()

	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		// The relay is known to be down; this attempt does not count.
		if relErr := w.queue.Release(item.ID); relErr != nil {
			logger.Error("RelayQueue: failed to release item", "id", item.ID, "error", relErr)
		}
		metrics.QueueDeliveries.WithLabelValues("circuit_open").Inc()

	case delivery.IsPermanentError(err):
		logger.Error("RelayQueue: permanent delivery failure", "id", item.ID, "kind", item.Kind, "error", err, "duration", duration)
		if markErr := w.queue.MarkPermanentFailure(item.ID, err.Error()); markErr != nil {
			logger.Error("RelayQueue: failed to mark permanent failure", "id", item.ID, "error", markErr)
		}
		metrics.QueueDeliveries.WithLabelValues("permanent_failure").Inc()

	default:
		logger.Warn("RelayQueue: temporary delivery failure", "id", item.ID, "kind", item.Kind, "error", err, "duration", duration)
		if markErr := w.queue.MarkFailure(item.ID, err.Error()); markErr != nil {
			logger.Error("RelayQueue: failed to mark failure", "id", item.ID, "error", markErr)
		}
		metrics.QueueDeliveries.WithLabelValues("temporary_failure").Inc()
	}
}
