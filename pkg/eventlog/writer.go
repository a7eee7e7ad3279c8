// Package eventlog keeps an append-only JSONL record of coordination
// traffic, one file per day. The log is diagnostic: losing a line never
// affects a round, so writes are best-effort from the caller's view.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Traffic direction labels.
const (
	DirInbound  = "in"
	DirOutbound = "out"
)

// Entry is one logged coordination record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Direction string    `json:"direction"` // "in" or "out"
	Kind      string    `json:"kind"`
	RoundID   string    `json:"round_id,omitempty"`
	Speaker   string    `json:"speaker,omitempty"`
	Summary   string    `json:"summary,omitempty"` // first chars of the payload
}

// summaryMax bounds the payload excerpt per entry.
const summaryMax = 200

// Writer appends entries to daily rotated JSONL files.
type Writer struct {
	mu          sync.Mutex
	logDir      string
	currentFile *os.File
	currentDate string
}

// NewWriter creates a writer rotating daily inside logDir.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return w, nil
}

// Record appends one entry, rotating at day boundaries. The payload is
// truncated into the summary field.
func (w *Writer) Record(direction, kind, roundID, speaker, payload string) error {
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Direction: direction,
		Kind:      kind,
		RoundID:   roundID,
		Speaker:   speaker,
		Summary:   excerpt(payload),
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}
	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

// Sync flushes buffered writes to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log file: %w", err)
	}
	return nil
}

// CurrentLogFile returns the path of the active file, or "" when closed.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileNameFor(w.currentDate))
}

func (w *Writer) rotateIfNeeded() error {
	date := time.Now().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close previous log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fileNameFor(date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = date
	return nil
}

func fileNameFor(date string) string {
	return fmt.Sprintf("coord-%s.jsonl", date)
}

func excerpt(payload string) string {
	runes := []rune(payload)
	if len(runes) <= summaryMax {
		return payload
	}
	return string(runes[:summaryMax])
}

// ReadEntries parses one log file back into entries. Used by tests and
// operator tooling.
func ReadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var entries []Entry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(line, &entry); err != nil {
				return nil, fmt.Errorf("failed to parse entry: %w", err)
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// ListLogFiles returns every event log file under logDir.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "coord-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}
