package relayqueue

import (
	"context"
	"fmt"
	"io"

	"github.com/migadu/tern/db"
	"github.com/migadu/tern/logger"
	"github.com/migadu/tern/pkg/metrics"
)

// ForwardLog records completed dispatch submissions durably.
type ForwardLog interface {
	InsertForwardRecord(ctx context.Context, rec *db.ForwardRecord) error
}

// Notifier wakes the queue worker after an enqueue. The worker implements it;
// a nil notifier just leaves the dispatch for the next tick.
type Notifier interface {
	NotifyQueued()
}

// Dispatcher submits all forward targets of a transaction as one queue unit.
// A transaction has at most one dispatch; either the whole unit is queued and
// logged, or the caller gets an error and reports a temporary failure.
type Dispatcher struct {
	Queue     *DiskQueue
	Log       ForwardLog
	OriginTag string
	Notifier  Notifier
}

// Dispatch queues the message body for every forward target of the
// transaction and writes the completion record. The body is consumed to EOF
// before the dispatch is visible, so Dispatch can run as a live consumer of
// the same stream the collector is buffering. Returns the queue id.
func (d *Dispatcher) Dispatch(ctx context.Context, transactionID, sender string, recipients []string, targets []Target, body io.Reader) (string, error) {
	if len(targets) == 0 {
		_, err := io.Copy(io.Discard, body)
		return "", err
	}

	queueID, err := d.Queue.EnqueueFrom(QueuedDispatch{
		TransactionID: transactionID,
		Reason:        "forward",
		Sender:        sender,
		OriginTag:     d.OriginTag,
		Targets:       targets,
	}, body)
	if err != nil {
		metrics.ForwardDispatches.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to queue forward dispatch: %w", err)
	}

	logTargets := make([]db.ForwardTarget, 0, len(targets))
	for _, t := range targets {
		logTargets = append(logTargets, db.ForwardTarget{
			Kind:      t.Kind,
			Value:     t.Value,
			Recipient: t.Recipient,
		})
	}

	if err := d.Log.InsertForwardRecord(ctx, &db.ForwardRecord{
		TransactionID: transactionID,
		QueueID:       queueID,
		Sender:        sender,
		Recipients:    recipients,
		Targets:       logTargets,
	}); err != nil {
		// The caller reports a temporary failure and the sender retries
		// the whole transaction; the unrecorded unit must not go out on
		// its own as well.
		if rmErr := d.Queue.Remove(queueID); rmErr != nil {
			logger.Error("Forward: failed to withdraw unrecorded dispatch",
				"queue_id", queueID, "error", rmErr)
		}
		metrics.ForwardDispatches.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to record forward dispatch: %w", err)
	}

	metrics.ForwardDispatches.WithLabelValues("success").Inc()
	if d.Notifier != nil {
		d.Notifier.NotifyQueued()
	}
	return queueID, nil
}

// EnqueueRedirect queues a single-target mail dispatch produced by a filter
// script redirect. No completion record is written; the redirect is a filter
// decision, not an envelope-level forward.
func (d *Dispatcher) EnqueueRedirect(sender, to string, body []byte) (string, error) {
	queueID, err := d.Queue.Enqueue(QueuedDispatch{
		Reason:    "redirect",
		Sender:    sender,
		OriginTag: d.OriginTag,
		Targets:   []Target{{Kind: "mail", Value: to, Recipient: to}},
	}, body)
	if err != nil {
		return "", fmt.Errorf("failed to queue redirect: %w", err)
	}
	if d.Notifier != nil {
		d.Notifier.NotifyQueued()
	}
	return queueID, nil
}
