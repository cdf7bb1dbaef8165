package status

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// HistoryFileName is the per-module execution log.
const HistoryFileName = "history.jsonl"

// History events.
const (
	EventStarted   = "started"
	EventResumed   = "resumed"
	EventRestarted = "restarted"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventReset     = "reset"
	EventRecovered = "recovered"
	EventUnlocked  = "unlocked"
)

// NewRunID returns a fresh identifier for one execution.
func NewRunID() string {
	return uuid.NewString()
}

// HistoryRecord is one line of a module's execution history.
type HistoryRecord struct {
	RunID   string    `json:"run_id,omitempty"`
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Host    string    `json:"host,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Message string    `json:"message,omitempty"`
}

// AppendHistory adds a record to the module's history. Time, host and pid
// are filled in when unset.
func (s *Store) AppendHistory(module string, rec HistoryRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if rec.Host == "" {
		rec.Host, _ = os.Hostname()
	}
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.ModuleDir(module)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create module dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, HistoryFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// History returns every record in write order. Unparseable lines, such as a
// half-written last line after a crash, are skipped.
func (s *Store) History(module string) ([]HistoryRecord, error) {
	f, err := os.Open(filepath.Join(s.ModuleDir(module), HistoryFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	var records []HistoryRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec HistoryRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("failed to read history: %w", err)
	}
	return records, nil
}
