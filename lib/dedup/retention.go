package dedup

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// ErrRetentionClosed is returned by a retention that was closed
var ErrRetentionClosed = errors.New("retention closed")

// IRetention is a durable archive of event records
type IRetention interface {
	// Append archives one record
	Append(ev EventRecord) error
	// ReadSince returns all archived records with a timestamp at or after t,
	// in timestamp order
	ReadSince(t time.Time) ([]EventRecord, error)
	// Close releases all resources of the archive
	Close() error
}

const (
	// DefaultRetentionFileSize is the size at which the retention file is rotated
	DefaultRetentionFileSize = 64 << 20
	// maxLineSize bounds a single archived record
	maxLineSize = 1 << 20
)

// JSONLRetention archives records as JSON lines. Once the active file reaches
// maxSize it is renamed to <path>.<unix nanos> and a new file is started. At
// most maxBackups rotated files are kept (0 keeps all).
type JSONLRetention struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	now        func() time.Time
}

// NewJSONLRetention opens (or creates) the archive at filePath
func NewJSONLRetention(filePath string, maxSize int64, maxBackups int) (*JSONLRetention, error) {
	if maxSize <= 0 {
		maxSize = DefaultRetentionFileSize
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create retention directory: %w", err)
	}
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600) // #nosec G304 -- path from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to open retention file: %w", err)
	}
	return &JSONLRetention{
		file:       file,
		filePath:   filePath,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		now:        time.Now,
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IRetention)
// --------------------------------------------------------------------------

func (r *JSONLRetention) Append(ev EventRecord) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return ErrRetentionClosed
	}
	if _, err = r.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync retention file: %w", err)
	}

	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat retention file: %w", err)
	}
	if info.Size() >= r.maxSize {
		return r.rotate()
	}
	return nil
}

func (r *JSONLRetention) ReadSince(t time.Time) ([]EventRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil, ErrRetentionClosed
	}

	backups, err := r.backups()
	if err != nil {
		return nil, err
	}

	var out []EventRecord
	for _, path := range append(backups, r.filePath) {
		out, err = readFile(path, t, out)
		if err != nil {
			return nil, err
		}
	}
	slices.SortStableFunc(out, compareRecords)
	return out, nil
}

func (r *JSONLRetention) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Rotate forces a rotation of the active file
func (r *JSONLRetention) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ErrRetentionClosed
	}
	return r.rotate()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// rotate must be called with r.mu held
func (r *JSONLRetention) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close file for rotation: %w", err)
	}

	backupPath := fmt.Sprintf("%s.%020d", r.filePath, r.now().UnixNano())
	renameErr := os.Rename(r.filePath, backupPath)

	file, err := os.OpenFile(r.filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600) // #nosec G304 -- path from configuration
	if err != nil {
		r.file = nil
		return fmt.Errorf("failed to reopen retention file: %w", err)
	}
	r.file = file
	if renameErr != nil {
		return fmt.Errorf("failed to rename retention file: %w", renameErr)
	}

	if r.maxBackups > 0 {
		backups, err := r.backups()
		if err != nil {
			return err
		}
		for len(backups) > r.maxBackups {
			if err := os.Remove(backups[0]); err != nil {
				return fmt.Errorf("failed to remove old retention file: %w", err)
			}
			backups = backups[1:]
		}
	}
	return nil
}

// backups returns the rotated files, oldest first
func (r *JSONLRetention) backups() ([]string, error) {
	matches, err := filepath.Glob(r.filePath + ".*")
	if err != nil {
		return nil, fmt.Errorf("failed to list retention files: %w", err)
	}
	slices.Sort(matches)
	return matches, nil
}

func readFile(path string, since time.Time, out []EventRecord) ([]EventRecord, error) {
	f, err := os.Open(path) // #nosec G304 -- path from configuration
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to open retention file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		var ev EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// a torn last line after a crash, skip it
			Logger.Warningf("skipping invalid line in %s: %v", path, err)
			continue
		}
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning retention file %s: %w", path, err)
	}
	return out, nil
}
