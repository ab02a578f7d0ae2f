package sandbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const eventLogSchema = `
CREATE TABLE IF NOT EXISTS command_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    argv TEXT NOT NULL,
    exit_code INTEGER,
    timed_out INTEGER DEFAULT 0,
    duration_ms INTEGER,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// EventLog is the per-sandbox SQLite log of commands and lifecycle events.
type EventLog struct {
	db        *sql.DB
	sandboxID string
}

// openEventLog opens (or creates) the event log database for a sandbox.
// The file lives next to the workspace, not inside it, so snapshots never
// capture it.
func openEventLog(dir, sandboxID string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create event log dir: %w", err)
	}
	dbPath := filepath.Join(dir, "."+sandboxID+".db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	if _, err := db.Exec(eventLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply event log schema: %w", err)
	}
	return &EventLog{db: db, sandboxID: sandboxID}, nil
}

// Close closes the database connection.
func (l *EventLog) Close() error {
	return l.db.Close()
}

// LogCommand records one exec outcome.
func (l *EventLog) LogCommand(argv []string, exitCode int, timedOut bool, durationMs int64) error {
	argvJSON, _ := json.Marshal(argv)
	timedOutInt := 0
	if timedOut {
		timedOutInt = 1
	}
	_, err := l.db.Exec(
		`INSERT INTO command_log (argv, exit_code, timed_out, duration_ms) VALUES (?, ?, ?, ?)`,
		string(argvJSON), exitCode, timedOutInt, durationMs)
	if err != nil {
		return fmt.Errorf("failed to log command: %w", err)
	}
	return nil
}

// LogEvent records a lifecycle event with an arbitrary payload.
func (l *EventLog) LogEvent(eventType string, payload any) error {
	payloadJSON, _ := json.Marshal(payload)
	_, err := l.db.Exec(
		`INSERT INTO events (type, payload) VALUES (?, ?)`,
		eventType, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to log event %s: %w", eventType, err)
	}
	return nil
}

// eventLogManager caches one EventLog per sandbox.
type eventLogManager struct {
	dir string

	mu   sync.Mutex
	logs map[string]*EventLog
}

func newEventLogManager(dir string) *eventLogManager {
	return &eventLogManager{dir: dir, logs: make(map[string]*EventLog)}
}

func (m *eventLogManager) get(sandboxID string) (*EventLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[sandboxID]; ok {
		return l, nil
	}
	l, err := openEventLog(m.dir, sandboxID)
	if err != nil {
		return nil, err
	}
	m.logs[sandboxID] = l
	return l, nil
}

func (m *eventLogManager) closeAndRemove(sandboxID string) {
	m.mu.Lock()
	l, ok := m.logs[sandboxID]
	if ok {
		delete(m.logs, sandboxID)
	}
	m.mu.Unlock()
	if ok {
		_ = l.Close()
	}
	_ = os.Remove(filepath.Join(m.dir, "."+sandboxID+".db"))
	_ = os.Remove(filepath.Join(m.dir, "."+sandboxID+".db-wal"))
	_ = os.Remove(filepath.Join(m.dir, "."+sandboxID+".db-shm"))
}
