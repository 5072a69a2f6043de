// services/habitat/internal/infrastructure/journal.go
package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalEntry represents an entry in the failure journal.
type JournalEntry struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Retries   int         `json:"retries"`
}

// Journal is an append-only file log for records whose database write
// failed. The sweep command replays its entries once the database is
// reachable again.
type Journal struct {
	path         string
	file         *os.File
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
	maxRetries   int
}

// NewJournal opens or creates a journal file.
func NewJournal(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat journal file: %w", err)
	}

	return &Journal{
		path:         path,
		file:         file,
		currentSize:  stat.Size(),
		rotationSize: 100 * 1024 * 1024, // 100MB
		maxRetries:   5,
	}, nil
}

// Write appends one entry and syncs it to disk.
func (j *Journal) Write(data interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := JournalEntry{
		ID:        generateEntryID(),
		Timestamp: time.Now(),
		Type:      fmt.Sprintf("%T", data),
		Data:      data,
		Retries:   0,
	}

	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if _, err := j.file.Write(entryBytes); err != nil {
		return fmt.Errorf("failed to write to journal: %w", err)
	}
	if _, err := j.file.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline to journal: %w", err)
	}

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	j.currentSize += int64(len(entryBytes) + 1)

	if j.currentSize > j.rotationSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
	}

	return nil
}

// ReadAll returns the payloads of all replayable entries. Corrupted
// lines are skipped.
func (j *Journal) ReadAll() ([]interface{}, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("failed to seek journal: %w", err)
	}

	var entries []interface{}
	scanner := bufio.NewScanner(j.file)

	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}

		if entry.Retries < j.maxRetries {
			entries = append(entries, entry.Data)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of journal: %w", err)
	}

	return entries, nil
}

// Truncate discards all entries. Called after a successful replay.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek journal after truncate: %w", err)
	}

	j.currentSize = 0
	return nil
}

// rotate archives the current file and starts a new one.
func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}

	archivePath := fmt.Sprintf("%s.%d", j.path, time.Now().Unix())
	if err := os.Rename(j.path, archivePath); err != nil {
		return fmt.Errorf("failed to archive journal file: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create new journal file: %w", err)
	}

	j.file = file
	j.currentSize = 0

	return nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal before closing: %w", err)
		}
		return j.file.Close()
	}
	return nil
}

// Stats returns journal statistics.
func (j *Journal) Stats() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	return map[string]interface{}{
		"path":          j.path,
		"size":          j.currentSize,
		"rotation_size": j.rotationSize,
	}
}

// generateEntryID generates a unique ID for journal entries.
func generateEntryID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
}
