package relayqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/migadu/tern/logger"
	"github.com/migadu/tern/pkg/circuitbreaker"
	"github.com/migadu/tern/pkg/metrics"
)

// Queue defines the queue operations required by the worker. This allows for
// mocking in tests and decouples the worker from the concrete DiskQueue.
type Queue interface {
	AcquireNext() (*QueuedDispatch, []byte, error)
	MarkSuccess(dispatchID string) error
	MarkFailure(dispatchID string, delivered []string, errorMsg string) error
	MarkPermanentFailure(dispatchID string, errorMsg string) error
	Release(dispatchID string) error
	GetStats() (pending, processing, failed int, err error)
}

// Worker drains the forward queue in the background. Each dispatch unit may
// carry several targets of different kinds; the worker routes every target
// to the matching transport and keeps per-target progress so a retry only
// re-sends what has not gone out yet.
type Worker struct {
	queue       Queue
	smtp        Transport
	http        Transport
	interval    time.Duration
	batchSize   int
	concurrency int
	notifyCh    chan struct{}
	stopCh      chan struct{}
	errCh       chan<- error
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewWorker creates a forward queue worker. Either transport may be nil when
// that kind of target is not configured; targets without a transport fail
// permanently.
func NewWorker(queue Queue, smtpTransport, httpTransport Transport, interval time.Duration, batchSize, concurrency int, errCh chan<- error) *Worker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 5
	}

	return &Worker{
		queue:       queue,
		smtp:        smtpTransport,
		http:        httpTransport,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		errCh:       errCh,
	}
}

// Start begins background processing. Safe to call more than once.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	logger.Info("Forward: worker started")
	return nil
}

// Stop gracefully stops the worker and waits for in-flight dispatches.
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

	logger.Info("Forward: worker stopped")
}

// NotifyQueued wakes the worker without waiting for the next tick.
// Non-blocking; a pending wakeup is enough.
func (w *Worker) NotifyQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.wg.Done()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logger.Info("Forward: worker processing", "interval", w.interval,
		"batch_size", w.batchSize, "concurrency", w.concurrency)

	// Process immediately on start
	w.processQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.processQueue(ctx); err != nil {
				w.reportError(err)
			}
		case <-w.notifyCh:
			_ = w.processQueue(ctx)
		}
	}
}

// processQueue drains up to batchSize dispatch units, handling them
// concurrently with a semaphore.
func (w *Worker) processQueue(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	processed := 0
	for processed < w.batchSize {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		default:
		}

		dispatch, body, err := w.queue.AcquireNext()
		if err != nil {
			wg.Wait()
			return fmt.Errorf("failed to acquire dispatch: %w", err)
		}
		if dispatch == nil {
			break
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case sem <- struct{}{}:
			wg.Add(1)
			go func(dispatch *QueuedDispatch, body []byte) {
				defer wg.Done()
				defer func() { <-sem }()
				w.processDispatch(dispatch, body)
			}(dispatch, body)
			processed++
		}
	}

	wg.Wait()

	if processed > 0 {
		if pending, processing, failed, err := w.queue.GetStats(); err == nil {
			metrics.ForwardQueueDepth.WithLabelValues("pending").Set(float64(pending))
			metrics.ForwardQueueDepth.WithLabelValues("processing").Set(float64(processing))
			metrics.ForwardQueueDepth.WithLabelValues("failed").Set(float64(failed))
		}
	}

	return nil
}

// processDispatch sends every undelivered target of one dispatch unit.
func (w *Worker) processDispatch(dispatch *QueuedDispatch, body []byte) {
	logger.Info("Forward: processing dispatch", "id", dispatch.ID,
		"reason", dispatch.Reason, "targets", len(dispatch.Targets),
		"attempt", dispatch.Attempts+1, "age", time.Since(dispatch.QueuedAt))

	delivered := append([]string(nil), dispatch.Delivered...)
	var sendErrors []string
	temporary := false
	blocked := false

	for _, target := range dispatch.Targets {
		if dispatch.IsDelivered(target.Value) {
			continue
		}

		err := w.sendTarget(dispatch, target, body)
		if err == nil {
			delivered = append(delivered, target.Value)
			continue
		}

		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			blocked = true
			sendErrors = append(sendErrors, fmt.Sprintf("%s <%s>: %v", target.Kind, target.Value, err))
			continue
		}
		if !IsPermanentError(err) {
			temporary = true
		}
		sendErrors = append(sendErrors, fmt.Sprintf("%s <%s>: %v", target.Kind, target.Value, err))
	}

	switch {
	case len(sendErrors) == 0:
		if err := w.queue.MarkSuccess(dispatch.ID); err != nil {
			logger.Error("Forward: failed to mark success", "id", dispatch.ID, "error", err)
		}

	case blocked && !temporary && len(delivered) == len(dispatch.Delivered):
		// The breaker refused every remaining target without trying.
		// Release without charging an attempt; the next cycle retries.
		logger.Warn("Forward: circuit breaker blocked dispatch, releasing", "id", dispatch.ID)
		if err := w.queue.Release(dispatch.ID); err != nil {
			logger.Error("Forward: failed to release dispatch", "id", dispatch.ID, "error", err)
		}

	case temporary || blocked:
		if err := w.queue.MarkFailure(dispatch.ID, delivered, strings.Join(sendErrors, "; ")); err != nil {
			logger.Error("Forward: failed to mark failure", "id", dispatch.ID, "error", err)
		}

	default:
		// Only permanent target errors remain; retrying cannot help.
		if err := w.queue.MarkPermanentFailure(dispatch.ID, strings.Join(sendErrors, "; ")); err != nil {
			logger.Error("Forward: failed to mark permanent failure", "id", dispatch.ID, "error", err)
		}
	}
}

// sendTarget routes one target to its transport. A relay target connects to
// the chain's relay host (Value) for the original recipient; mail and
// redirect-mail targets go to the target address (Value) over the configured
// relay; http targets post to the chain's webhook URL (Value).
func (w *Worker) sendTarget(dispatch *QueuedDispatch, target Target, body []byte) error {
	switch target.Kind {
	case "relay":
		if w.smtp == nil {
			return &TransportError{Err: fmt.Errorf("no SMTP transport configured"), Permanent: true}
		}
		return w.smtp.Send(target.Value, dispatch.Sender, target.Recipient, body)
	case "mail", "redirect-mail":
		if w.smtp == nil {
			return &TransportError{Err: fmt.Errorf("no SMTP transport configured"), Permanent: true}
		}
		return w.smtp.Send("", dispatch.Sender, target.Value, body)
	case "http":
		if w.http == nil {
			return &TransportError{Err: fmt.Errorf("no HTTP transport configured"), Permanent: true}
		}
		return w.http.Send(target.Value, dispatch.Sender, target.Recipient, body)
	default:
		return &TransportError{Err: fmt.Errorf("unknown target kind %q", target.Kind), Permanent: true}
	}
}

func (w *Worker) reportError(err error) {
	if w.errCh != nil {
		select {
		case w.errCh <- err:
		default:
			logger.Error("Forward: worker error (no listener)", "error", err)
		}
	} else {
		logger.Error("Forward: worker error", "error", err)
	}
}

// GetStats returns current queue statistics.
func (w *Worker) GetStats() (pending, processing, failed int, err error) {
	return w.queue.GetStats()
}
