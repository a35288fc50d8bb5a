// Package relayqueue holds forward dispatch units on disk until the worker
// has relayed every target, surviving restarts in between.
package relayqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/tern/logger"
	"github.com/migadu/tern/pkg/metrics"
)

// Target is one forward destination inside a dispatch unit. Kind is one of
// 'relay', 'http' or 'mail'; Recipient is the envelope recipient that
// resolved to this destination.
type Target struct {
	Kind      string `json:"kind"`
	Value     string `json:"value"`
	Recipient string `json:"recipient"`
}

// QueuedDispatch is the metadata of one dispatch unit: all forward targets of
// one transaction, queued together. Delivered accumulates target values that
// already went out so retries do not re-send them.
type QueuedDispatch struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Reason        string    `json:"reason"` // "forward" or "redirect"
	Sender        string    `json:"sender"`
	OriginTag     string    `json:"origin_tag"`
	Targets       []Target  `json:"targets"`
	Delivered     []string  `json:"delivered,omitempty"`
	QueuedAt      time.Time `json:"queued_at"`
	Attempts      int       `json:"attempts"`
	LastAttempt   time.Time `json:"last_attempt"`
	NextRetry     time.Time `json:"next_retry"`
	Errors        []string  `json:"errors"`
}

// IsDelivered reports whether the target value already went out in a
// previous attempt of this dispatch.
func (d *QueuedDispatch) IsDelivered(value string) bool {
	for _, v := range d.Delivered {
		if v == value {
			return true
		}
	}
	return false
}

// DiskQueue stores dispatch units as metadata/body file pairs under
// pending/, processing/ and failed/ directories.
type DiskQueue struct {
	basePath      string
	pendingDir    string
	processingDir string
	failedDir     string
	maxAttempts   int
	retryBackoff  []time.Duration
	mu            sync.Mutex
}

// NewDiskQueue creates the queue directories under basePath.
func NewDiskQueue(basePath string, maxAttempts int, retryBackoff []time.Duration) (*DiskQueue, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	if len(retryBackoff) == 0 {
		retryBackoff = []time.Duration{
			1 * time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			1 * time.Hour,
			6 * time.Hour,
			24 * time.Hour,
		}
	}

	q := &DiskQueue{
		basePath:      basePath,
		pendingDir:    filepath.Join(basePath, "pending"),
		processingDir: filepath.Join(basePath, "processing"),
		failedDir:     filepath.Join(basePath, "failed"),
		maxAttempts:   maxAttempts,
		retryBackoff:  retryBackoff,
	}

	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return q, nil
}

// Enqueue writes a new dispatch unit to the pending directory and returns
// its queue id. The body and metadata are written atomically; a dispatch is
// either fully queued or not queued at all.
func (q *DiskQueue) Enqueue(dispatch QueuedDispatch, body []byte) (string, error) {
	return q.EnqueueFrom(dispatch, bytes.NewReader(body))
}

// EnqueueFrom is Enqueue with a streamed body. The body is spooled to a temp
// file before the dispatch becomes visible, so an error on the stream leaves
// nothing queued. The queue lock is only held for the final renames; a slow
// stream does not stall the worker.
func (q *DiskQueue) EnqueueFrom(dispatch QueuedDispatch, body io.Reader) (string, error) {
	dispatch.ID = uuid.New().String()
	dispatch.QueuedAt = time.Now()
	dispatch.NextRetry = time.Now() // ready for immediate processing
	dispatch.Errors = []string{}

	tmpPath, err := q.spoolBody(body)
	if err != nil {
		metrics.ForwardQueueOperations.WithLabelValues("enqueue", "error").Inc()
		return "", fmt.Errorf("failed to spool message: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Body lands before metadata; AcquireNext keys on the .json file, so a
	// crash between the two renames leaves an orphaned body, never a
	// dispatch without its message.
	bodyPath := filepath.Join(q.pendingDir, dispatch.ID+".msg")
	if err := os.Rename(tmpPath, bodyPath); err != nil {
		os.Remove(tmpPath)
		metrics.ForwardQueueOperations.WithLabelValues("enqueue", "error").Inc()
		return "", fmt.Errorf("failed to write message: %w", err)
	}

	metadataPath := filepath.Join(q.pendingDir, dispatch.ID+".json")
	if err := q.writeFileAtomic(metadataPath, dispatch); err != nil {
		os.Remove(bodyPath)
		metrics.ForwardQueueOperations.WithLabelValues("enqueue", "error").Inc()
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	metrics.ForwardQueueOperations.WithLabelValues("enqueue", "success").Inc()
	logger.Info("ForwardQueue: enqueued dispatch", "id", dispatch.ID,
		"transaction_id", dispatch.TransactionID, "reason", dispatch.Reason,
		"targets", len(dispatch.Targets))
	return dispatch.ID, nil
}

func (q *DiskQueue) spoolBody(body io.Reader) (string, error) {
	tmpFile, err := os.CreateTemp(q.pendingDir, ".tmp-")
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()

	if _, err := io.Copy(tmpFile, body); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// Remove deletes a dispatch from the pending directory before the worker has
// seen it. The dispatcher uses it to withdraw a unit whose completion record
// could not be written, so the sender's retry does not double-send.
func (q *DiskQueue) Remove(dispatchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.pendingDir, dispatchID+".json")
	bodyPath := filepath.Join(q.pendingDir, dispatchID+".msg")

	// Metadata first; AcquireNext keys on the .json file, so the unit
	// disappears before its body does.
	if err := os.Remove(metadataPath); err != nil && !os.IsNotExist(err) {
		metrics.ForwardQueueOperations.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("failed to remove metadata: %w", err)
	}
	if err := os.Remove(bodyPath); err != nil && !os.IsNotExist(err) {
		metrics.ForwardQueueOperations.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("failed to remove message: %w", err)
	}

	metrics.ForwardQueueOperations.WithLabelValues("remove", "success").Inc()
	logger.Info("ForwardQueue: removed unrecorded dispatch", "id", dispatchID)
	return nil
}

// AcquireNext finds the next dispatch ready for processing and moves it to
// the processing directory. Returns (nil, nil, nil) when nothing is ready.
func (q *DiskQueue) AcquireNext() (*QueuedDispatch, []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.pendingDir)
	if err != nil {
		metrics.ForwardQueueOperations.WithLabelValues("acquire", "error").Inc()
		return nil, nil, fmt.Errorf("failed to read pending directory: %w", err)
	}

	now := time.Now()

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		metadataPath := filepath.Join(q.pendingDir, entry.Name())
		var dispatch QueuedDispatch
		if err := q.readMetadata(metadataPath, &dispatch); err != nil {
			logger.Error("ForwardQueue: failed to read metadata", "entry", entry.Name(), "error", err)
			continue
		}

		if now.Before(dispatch.NextRetry) {
			continue
		}

		bodyPath := filepath.Join(q.pendingDir, dispatch.ID+".msg")
		body, err := os.ReadFile(bodyPath)
		if err != nil {
			logger.Error("ForwardQueue: failed to read message", "id", dispatch.ID, "error", err)
			continue
		}

		processingMetadataPath := filepath.Join(q.processingDir, dispatch.ID+".json")
		processingBodyPath := filepath.Join(q.processingDir, dispatch.ID+".msg")

		if err := os.Rename(metadataPath, processingMetadataPath); err != nil {
			logger.Error("ForwardQueue: failed to move metadata to processing", "error", err)
			continue
		}
		if err := os.Rename(bodyPath, processingBodyPath); err != nil {
			os.Rename(processingMetadataPath, metadataPath)
			logger.Error("ForwardQueue: failed to move message to processing", "error", err)
			continue
		}

		metrics.ForwardQueueOperations.WithLabelValues("acquire", "success").Inc()
		return &dispatch, body, nil
	}

	return nil, nil, nil
}

// MarkSuccess removes a fully delivered dispatch from the queue.
func (q *DiskQueue) MarkSuccess(dispatchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.processingDir, dispatchID+".json")
	bodyPath := filepath.Join(q.processingDir, dispatchID+".msg")

	if err := os.Remove(metadataPath); err != nil && !os.IsNotExist(err) {
		metrics.ForwardQueueOperations.WithLabelValues("mark_success", "error").Inc()
		return fmt.Errorf("failed to remove metadata: %w", err)
	}
	if err := os.Remove(bodyPath); err != nil && !os.IsNotExist(err) {
		metrics.ForwardQueueOperations.WithLabelValues("mark_success", "error").Inc()
		return fmt.Errorf("failed to remove message: %w", err)
	}

	metrics.ForwardQueueOperations.WithLabelValues("mark_success", "success").Inc()
	logger.Info("ForwardQueue: dispatch completed", "id", dispatchID)
	return nil
}

// MarkFailure records a failed attempt, keeping the delivered-target
// progress, and either schedules a retry with backoff or moves the dispatch
// to the failed directory once attempts are exhausted.
func (q *DiskQueue) MarkFailure(dispatchID string, delivered []string, errorMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.processingDir, dispatchID+".json")
	bodyPath := filepath.Join(q.processingDir, dispatchID+".msg")

	var dispatch QueuedDispatch
	if err := q.readMetadata(metadataPath, &dispatch); err != nil {
		metrics.ForwardQueueOperations.WithLabelValues("mark_failure", "error").Inc()
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	dispatch.Attempts++
	dispatch.LastAttempt = time.Now()
	dispatch.Delivered = delivered
	dispatch.Errors = append(dispatch.Errors, fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), errorMsg))

	if dispatch.Attempts >= q.maxAttempts {
		logger.Error("ForwardQueue: dispatch exceeded max attempts, moving to failed",
			"id", dispatchID, "max_attempts", q.maxAttempts)
		return q.moveToFailed(dispatch, metadataPath, bodyPath)
	}

	backoffIndex := dispatch.Attempts - 1
	if backoffIndex >= len(q.retryBackoff) {
		backoffIndex = len(q.retryBackoff) - 1
	}
	dispatch.NextRetry = time.Now().Add(q.retryBackoff[backoffIndex])

	logger.Info("ForwardQueue: dispatch failed, will retry", "id", dispatchID,
		"attempt", dispatch.Attempts, "max_attempts", q.maxAttempts,
		"retry_at", dispatch.NextRetry.Format(time.RFC3339), "error", errorMsg)

	pendingMetadataPath := filepath.Join(q.pendingDir, dispatchID+".json")
	pendingBodyPath := filepath.Join(q.pendingDir, dispatchID+".msg")

	if err := q.writeFileAtomic(pendingMetadataPath, dispatch); err != nil {
		metrics.ForwardQueueOperations.WithLabelValues("mark_failure", "error").Inc()
		return fmt.Errorf("failed to write pending metadata: %w", err)
	}
	if err := os.Rename(bodyPath, pendingBodyPath); err != nil {
		os.Remove(pendingMetadataPath)
		metrics.ForwardQueueOperations.WithLabelValues("mark_failure", "error").Inc()
		return fmt.Errorf("failed to move message to pending: %w", err)
	}

	os.Remove(metadataPath)
	metrics.ForwardQueueOperations.WithLabelValues("mark_failure", "success").Inc()
	return nil
}

// MarkPermanentFailure moves a dispatch straight to the failed directory
// without further retries.
func (q *DiskQueue) MarkPermanentFailure(dispatchID string, errorMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.processingDir, dispatchID+".json")
	bodyPath := filepath.Join(q.processingDir, dispatchID+".msg")

	var dispatch QueuedDispatch
	if err := q.readMetadata(metadataPath, &dispatch); err != nil {
		metrics.ForwardQueueOperations.WithLabelValues("mark_permanent_failure", "error").Inc()
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	dispatch.Attempts++
	dispatch.LastAttempt = time.Now()
	dispatch.Errors = append(dispatch.Errors, fmt.Sprintf("[%s] permanent: %s", time.Now().Format(time.RFC3339), errorMsg))

	logger.Error("ForwardQueue: permanent dispatch failure", "id", dispatchID, "error", errorMsg)
	return q.moveToFailed(dispatch, metadataPath, bodyPath)
}

// Release puts a dispatch back in the pending directory without counting an
// attempt. Used when the transport refused to even try.
func (q *DiskQueue) Release(dispatchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.processingDir, dispatchID+".json")
	bodyPath := filepath.Join(q.processingDir, dispatchID+".msg")
	pendingMetadataPath := filepath.Join(q.pendingDir, dispatchID+".json")
	pendingBodyPath := filepath.Join(q.pendingDir, dispatchID+".msg")

	if err := os.Rename(metadataPath, pendingMetadataPath); err != nil {
		metrics.ForwardQueueOperations.WithLabelValues("release", "error").Inc()
		return fmt.Errorf("failed to release metadata: %w", err)
	}
	if err := os.Rename(bodyPath, pendingBodyPath); err != nil {
		os.Rename(pendingMetadataPath, metadataPath)
		metrics.ForwardQueueOperations.WithLabelValues("release", "error").Inc()
		return fmt.Errorf("failed to release message: %w", err)
	}

	metrics.ForwardQueueOperations.WithLabelValues("release", "success").Inc()
	return nil
}

// RecoverOrphaned moves dispatches left in the processing directory by a
// previous run back to pending. Call once at startup before the worker runs.
func (q *DiskQueue) RecoverOrphaned() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.processingDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read processing directory: %w", err)
	}

	recovered := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		from := filepath.Join(q.processingDir, entry.Name())
		to := filepath.Join(q.pendingDir, entry.Name())
		if err := os.Rename(from, to); err != nil {
			logger.Error("ForwardQueue: failed to recover orphaned entry", "entry", entry.Name(), "error", err)
			continue
		}
		if filepath.Ext(entry.Name()) == ".json" {
			recovered++
		}
	}

	if recovered > 0 {
		logger.Info("ForwardQueue: recovered orphaned dispatches", "count", recovered)
	}
	return recovered, nil
}

// GetStats returns queue depths by state.
func (q *DiskQueue) GetStats() (pending, processing, failed int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err = q.countDir(q.pendingDir, ".json")
	if err != nil {
		return 0, 0, 0, err
	}
	processing, err = q.countDir(q.processingDir, ".json")
	if err != nil {
		return 0, 0, 0, err
	}
	failed, err = q.countDir(q.failedDir, ".json")
	if err != nil {
		return 0, 0, 0, err
	}
	return pending, processing, failed, nil
}

func (q *DiskQueue) moveToFailed(dispatch QueuedDispatch, metadataPath, bodyPath string) error {
	failedMetadataPath := filepath.Join(q.failedDir, dispatch.ID+".json")
	failedBodyPath := filepath.Join(q.failedDir, dispatch.ID+".msg")

	if err := q.writeFileAtomic(failedMetadataPath, dispatch); err != nil {
		metrics.ForwardQueueOperations.WithLabelValues("mark_failure", "error").Inc()
		return fmt.Errorf("failed to write failed metadata: %w", err)
	}
	if err := os.Rename(bodyPath, failedBodyPath); err != nil {
		metrics.ForwardQueueOperations.WithLabelValues("mark_failure", "error").Inc()
		return fmt.Errorf("failed to move message to failed: %w", err)
	}

	os.Remove(metadataPath)
	metrics.ForwardQueueOperations.WithLabelValues("mark_failure", "success").Inc()
	return nil
}

// writeFileAtomic writes data to a file atomically using temp file + rename
func (q *DiskQueue) writeFileAtomic(path string, data any) error {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return q.writeDataAtomic(path, jsonBytes)
}

// writeDataAtomic writes raw bytes to a file atomically using temp file + rename
func (q *DiskQueue) writeDataAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return nil
}

func (q *DiskQueue) readMetadata(path string, dispatch *QueuedDispatch) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dispatch)
}

func (q *DiskQueue) countDir(dir string, ext string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ext {
			count++
		}
	}
	return count, nil
}
