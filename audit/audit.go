// Package audit is the engine's structured event log: an append-only
// JSON-lines file recording lifecycle events (snapshot created, retention
// swept, integrity failure, rollback executed, orphan sweep) for
// external dashboards and log shippers to consume.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a kind of lifecycle event.
type EventType string

const (
	EventSnapshotCreated  EventType = "snapshot_created"
	EventRetentionSwept   EventType = "retention_swept"
	EventIntegrityFailure EventType = "integrity_failure"
	EventRollbackExecuted EventType = "rollback_executed"
	EventOrphanSweep      EventType = "orphan_sweep"
)

// Event is a single audit log record. CorrelationID ties together
// events emitted by the same logical run (e.g. one background
// retention sweep's per-snapshot deletions share an id).
type Event struct {
	Timestamp     string         `json:"timestamp"` // RFC3339
	Type          EventType      `json:"type"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	SnapshotID    string         `json:"snapshot_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// NewCorrelationID returns a fresh id for grouping a batch of related
// events (e.g. one retention sweep or one rollback execution).
func NewCorrelationID() string {
	return uuid.NewString()
}

// Logger appends events to a project-local JSON-lines file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates (if needed) the reserved directory containing path and
// opens the audit log for append.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}

	return &Logger{file: file, path: path}, nil
}

// Log writes a single event, stamping its timestamp.
func (l *Logger) Log(event Event) error {
	event.Timestamp = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit: logger closed")
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	return nil
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync log: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("audit: close log: %w", err)
	}
	l.file = nil
	return nil
}

// ReadLog reads every event from the log file at path. A missing file
// yields an empty, non-error result (first-run case).
func ReadLog(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read log: %w", err)
	}

	var events []Event
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("audit: parse event line %d: %w", i+1, err)
		}
		events = append(events, e)
	}
	return events, nil
}
