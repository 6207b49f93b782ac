// services/dispenser/internal/infrastructure/wal.go
package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// WALEntry is one event that could not be published.
type WALEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Retries   int             `json:"retries"`
}

// WAL is an append-only file of undelivered events, one JSON entry per line.
// Several processes may share one path: every access holds a flock on
// path+".lock", shared for appends and reads and exclusive for Compact.
type WAL struct {
	path        string
	file        *os.File
	lock        *os.File
	mu          sync.Mutex
	currentSize int64
}

// NewWAL creates a new write-ahead log.
func NewWAL(path string) (*WAL, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL lock file: %w", err)
	}

	w := &WAL{path: path, lock: lock}
	if err := w.open(); err != nil {
		lock.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}
	if w.file != nil {
		w.file.Close()
	}
	w.file = file
	w.currentSize = stat.Size()
	return nil
}

// acquire takes the cross-process lock and reopens the log when another
// process has compacted it since this one last looked. Callers hold mu.
func (w *WAL) acquire(how int) (func(), error) {
	if err := syscall.Flock(int(w.lock.Fd()), how); err != nil {
		return nil, fmt.Errorf("failed to lock WAL: %w", err)
	}
	release := func() { _ = syscall.Flock(int(w.lock.Fd()), syscall.LOCK_UN) }

	onDisk, statErr := os.Stat(w.path)
	current, err := w.file.Stat()
	if statErr != nil || err != nil || !os.SameFile(onDisk, current) {
		if err := w.open(); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

// Append adds an entry for topic and syncs it to disk.
func (w *WAL) Append(topic string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	release, err := w.acquire(syscall.LOCK_SH)
	if err != nil {
		return err
	}
	defer release()

	return w.write(WALEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Topic:     topic,
		Data:      json.RawMessage(data),
	})
}

func (w *WAL) write(entry WALEntry) error {
	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}
	entryBytes = append(entryBytes, '\n')

	if _, err := w.file.Write(entryBytes); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.currentSize += int64(len(entryBytes))
	return nil
}

// ReadAll returns every readable entry in append order.
func (w *WAL) ReadAll() ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	release, err := w.acquire(syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer release()

	return w.readAll()
}

func (w *WAL) readAll() ([]WALEntry, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek WAL: %w", err)
	}

	var entries []WALEntry
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// Skip corrupted entries
			continue
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAL: %w", err)
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of WAL: %w", err)
	}

	return entries, nil
}

// Compact passes the current entries to fn and atomically replaces the log
// with the entries fn returns. Appends from this or any other process wait
// until it finishes, so nothing written meanwhile is lost. When fn fails the
// log is left as it was.
func (w *WAL) Compact(fn func([]WALEntry) ([]WALEntry, error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	release, err := w.acquire(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer release()

	entries, err := w.readAll()
	if err != nil {
		return err
	}
	keep, err := fn(entries)
	if err != nil {
		return err
	}
	return w.replace(keep)
}

func (w *WAL) replace(entries []WALEntry) error {
	tempPath := w.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp WAL file: %w", err)
	}

	writer := bufio.NewWriter(tempFile)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			tempFile.Close()
			return fmt.Errorf("failed to marshal WAL entry: %w", err)
		}
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			tempFile.Close()
			return fmt.Errorf("failed to write to temp WAL: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to flush temp WAL: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to sync temp WAL: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, w.path); err != nil {
		return fmt.Errorf("failed to replace WAL file: %w", err)
	}
	return w.open()
}

// Close closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lock != nil {
		defer w.lock.Close()
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL before closing: %w", err)
		}
		return w.file.Close()
	}
	return nil
}

// Stats returns WAL statistics.
func (w *WAL) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"path": w.path,
		"size": w.currentSize,
	}
}
