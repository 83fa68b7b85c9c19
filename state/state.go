// Package state keeps ledgers of source files already converted, keyed by
// the SHA-256 of the file bytes, so appending to an archive or pushing a
// tree again skips them.
package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Tracker maps source-file keys to the relative path they were first seen
// at. A conversion keys by Hash, a push by folder and Hash.
type Tracker interface {
	AlreadyProcessed(key string) bool
	MarkProcessed(key, source string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
}

// Hash returns the hex SHA-256 of a source file.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// LedgerName returns the ledger file of the archive at archivePath.
func LedgerName(archivePath string) string {
	abs, err := filepath.Abs(archivePath)
	if err != nil {
		abs = archivePath
	}
	sum := sha256.Sum256([]byte(abs))
	base := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	return fmt.Sprintf("%s-%s.jsonl", base, hex.EncodeToString(sum[:6]))
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]string)}
}

func (m *MemoryTracker) AlreadyProcessed(key string) bool {
	if key == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[key]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(key, source string) error {
	if key == "" {
		return nil
	}

	m.mu.Lock()
	m.processed[key] = source
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

// FileTracker appends every new key to a JSON lines file and loads it
// again on the next run.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Key    string `json:"key"`
	Source string `json:"source"`
}

// NewFileTracker opens the ledger name inside stateDir, loading what earlier
// runs recorded. An empty name selects processed.jsonl.
func NewFileTracker(stateDir, name string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if name == "" {
		name = "processed.jsonl"
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, name),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return tracker, nil
}

// Path returns the ledger file path.
func (f *FileTracker) Path() string { return f.path }

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Key == "" {
			continue
		}

		f.mu.Lock()
		f.processed[record.Key] = record.Source
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// MarkProcessed records key once; repeated keys keep their first source.
func (f *FileTracker) MarkProcessed(key, source string) error {
	if key == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.processed[key]; exists {
		f.mu.Unlock()
		return nil
	}
	f.processed[key] = source
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	record := fileRecord{Key: key, Source: source}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Reset forgets every record, in memory and on disk. Used when the archive
// the ledger describes is overwritten.
func (f *FileTracker) Reset() error {
	f.mu.Lock()
	f.processed = make(map[string]string)
	f.mu.Unlock()

	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.writer.Reset(f.file)
	if err := f.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate state file: %w", err)
	}
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind state file: %w", err)
	}
	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	if !f.persist || f.writer == nil || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
