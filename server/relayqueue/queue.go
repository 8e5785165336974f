// Package relayqueue keeps generated mail (bounces, auto-replies,
// forwards) on disk until the next hop accepts it.
//
// Each item is two files, <id>.json with the envelope and attempt history
// and <id>.msg with the message, moved between the pending, processing and
// failed directories with renames.
package relayqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/retry"
)

// QueuedMessage is the envelope of a queued item.
type QueuedMessage struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // bounce, autoreply, vacation, forward, redirect
	From        string    `json:"from"`
	To          []string  `json:"to"`
	QueuedAt    time.Time `json:"queued_at"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	NextRetry   time.Time `json:"next_retry"`
	Errors      []string  `json:"errors"`
}

// DiskQueue manages a disk-based queue for relay messages
type DiskQueue struct {
	basePath      string
	pendingDir    string
	processingDir string
	failedDir     string
	maxAttempts   int
	backoff       retry.BackoffConfig
	now           func() time.Time
	mu            sync.Mutex
}

// DefaultBackoff spaces attempts from one minute up to six hours.
func DefaultBackoff() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialInterval: time.Minute,
		MaxInterval:     6 * time.Hour,
		Multiplier:      3,
		Jitter:          true,
	}
}

// NewDiskQueue creates the queue directories under basePath and moves
// items left in processing by a previous run back to pending.
func NewDiskQueue(basePath string, maxAttempts int, backoff retry.BackoffConfig) (*DiskQueue, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if backoff.InitialInterval <= 0 {
		backoff = DefaultBackoff()
	}

	q := &DiskQueue{
		basePath:      basePath,
		pendingDir:    filepath.Join(basePath, "pending"),
		processingDir: filepath.Join(basePath, "processing"),
		failedDir:     filepath.Join(basePath, "failed"),
		maxAttempts:   maxAttempts,
		backoff:       backoff,
		now:           time.Now,
	}

	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	recovered, err := q.recoverProcessing()
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		logger.Warn("RelayQueue: recovered interrupted items", "count", recovered)
	}
	return q, nil
}

// Enqueue adds a message ready for immediate delivery and returns its id.
func (q *DiskQueue) Enqueue(kind, from string, to []string, raw []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.New().String()
	now := q.now()
	item := QueuedMessage{
		ID:        id,
		Kind:      kind,
		From:      from,
		To:        to,
		QueuedAt:  now,
		NextRetry: now,
		Errors:    []string{},
	}

	// Body first: an item without metadata is never picked up.
	messagePath := filepath.Join(q.pendingDir, id+".msg")
	if err := writeDataAtomic(messagePath, raw); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(q.pendingDir, id+".json"), item); err != nil {
		os.Remove(messagePath)
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	logger.Info("RelayQueue: enqueued", "kind", kind, "id", id, "from", from, "to", to)
	return id, nil
}

// AcquireNext moves the first due item to processing. It returns nil when
// nothing is due.
func (q *DiskQueue) AcquireNext() (*QueuedMessage, []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.pendingDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read pending directory: %w", err)
	}

	now := q.now()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		metadataPath := filepath.Join(q.pendingDir, entry.Name())
		var item QueuedMessage
		if err := readMetadata(metadataPath, &item); err != nil {
			logger.Error("RelayQueue: failed to read metadata", "entry", entry.Name(), "error", err)
			continue
		}
		if now.Before(item.NextRetry) {
			continue
		}

		messagePath := filepath.Join(q.pendingDir, item.ID+".msg")
		raw, err := os.ReadFile(messagePath)
		if err != nil {
			logger.Error("RelayQueue: failed to read message", "id", item.ID, "error", err)
			continue
		}

		if err := q.move(item.ID, q.pendingDir, q.processingDir); err != nil {
			logger.Error("RelayQueue: failed to move item to processing", "id", item.ID, "error", err)
			continue
		}
		return &item, raw, nil
	}
	return nil, nil, nil
}

// MarkSuccess removes a delivered item.
func (q *DiskQueue) MarkSuccess(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ext := range []string{".json", ".msg"} {
		if err := os.Remove(filepath.Join(q.processingDir, id+ext)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", ext, err)
		}
	}
	logger.Info("RelayQueue: delivered", "id", id)
	return nil
}

// MarkFailure records a temporary failure and schedules a retry, or parks
// the item in failed once it ran out of attempts.
func (q *DiskQueue) MarkFailure(id, errorMsg string) error {
	return q.fail(id, errorMsg, false)
}

// MarkPermanentFailure parks the item in failed without retrying.
func (q *DiskQueue) MarkPermanentFailure(id, errorMsg string) error {
	return q.fail(id, errorMsg, true)
}

func (q *DiskQueue) fail(id, errorMsg string, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.processingDir, id+".json")
	var item QueuedMessage
	if err := readMetadata(metadataPath, &item); err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	now := q.now()
	item.Attempts++
	item.LastAttempt = now
	item.Errors = append(item.Errors, fmt.Sprintf("[%s] %s", now.Format(time.RFC3339), errorMsg))

	target := q.pendingDir
	if permanent || item.Attempts >= q.maxAttempts {
		target = q.failedDir
		logger.Error("RelayQueue: giving up on item", "id", id, "kind", item.Kind,
			"attempts", item.Attempts, "permanent", permanent, "error", errorMsg)
	} else {
		item.NextRetry = now.Add(q.backoff.Delay(item.Attempts))
		logger.Info("RelayQueue: delivery failed, will retry", "id", id,
			"attempt", item.Attempts, "max_attempts", q.maxAttempts,
			"retry_at", item.NextRetry.Format(time.RFC3339), "error", errorMsg)
	}

	if err := writeJSONAtomic(metadataPath, item); err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return q.move(id, q.processingDir, target)
}

// Release returns an item to pending without counting an attempt.
func (q *DiskQueue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.move(id, q.processingDir, q.pendingDir)
}

// GetStats returns queue statistics
func (q *DiskQueue) GetStats() (pending, processing, failed int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pending, err = countDir(q.pendingDir); err != nil {
		return 0, 0, 0, err
	}
	if processing, err = countDir(q.processingDir); err != nil {
		return 0, 0, 0, err
	}
	if failed, err = countDir(q.failedDir); err != nil {
		return 0, 0, 0, err
	}
	return pending, processing, failed, nil
}

func (q *DiskQueue) recoverProcessing() (int, error) {
	entries, err := os.ReadDir(q.processingDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read processing directory: %w", err)
	}
	n := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		if err := q.move(name[:len(name)-len(".json")], q.processingDir, q.pendingDir); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// move renames the message before the metadata so a half-moved item is
// invisible to AcquireNext in the target directory.
func (q *DiskQueue) move(id, from, to string) error {
	if err := os.Rename(filepath.Join(from, id+".msg"), filepath.Join(to, id+".msg")); err != nil {
		return fmt.Errorf("failed to move message: %w", err)
	}
	if err := os.Rename(filepath.Join(from, id+".json"), filepath.Join(to, id+".json")); err != nil {
		os.Rename(filepath.Join(to, id+".msg"), filepath.Join(from, id+".msg"))
		return fmt.Errorf("failed to move metadata: %w", err)
	}
	return nil
}

func writeJSONAtomic(path string, data any) error {
	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return writeDataAtomic(path, buf)
}

// writeDataAtomic writes raw bytes to a file atomically using temp file + rename
func writeDataAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func readMetadata(path string, item *QueuedMessage) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, item)
}

func countDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			count++
		}
	}
	return count, nil
}
