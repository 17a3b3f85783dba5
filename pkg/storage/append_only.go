// Package storage provides a line-oriented append-only file for
// tamper-evident logs
package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// MaxLineSize bounds a single record
const MaxLineSize = 4 << 20

// ErrLineTooLong is returned by Append for records over MaxLineSize
var ErrLineTooLong = errors.New("record exceeds maximum line size")

// AppendOnlyStore is storage that can only grow at the end
type AppendOnlyStore interface {
	// Append adds one record and returns once it is durable
	Append(data []byte) error

	// Scan calls fn for each record in order until fn returns an error
	Scan(fn func(line []byte) error) error
}

// appendFile is the part of *os.File the store writes through
type appendFile interface {
	io.WriteCloser
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// FileAppendOnlyStore keeps one record per line and fsyncs every append. A
// failed append is cut back off the file so no partial line remains.
type FileAppendOnlyStore struct {
	filePath string
	mu       sync.RWMutex
	file     appendFile
	// broken is set when a failed append could not be rolled back
	broken error
}

// NewFileAppendOnlyStore opens or creates the file at filePath
func NewFileAppendOnlyStore(filePath string) (*FileAppendOnlyStore, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directories: %w", err)
		}
	}

	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for appending: %w", err)
	}

	return &FileAppendOnlyStore{filePath: filePath, file: file}, nil
}

// Path returns the backing file path
func (s *FileAppendOnlyStore) Path() string { return s.filePath }

// Append writes data followed by a newline and syncs the file
func (s *FileAppendOnlyStore) Append(data []byte) error {
	if len(data) > MaxLineSize {
		return ErrLineTooLong
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return fmt.Errorf("record contains a newline")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return os.ErrClosed
	}
	if s.broken != nil {
		return s.broken
	}

	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	size := info.Size()

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return s.rollback(size, fmt.Errorf("failed to write data: %w", err))
	}
	if err := s.file.Sync(); err != nil {
		return s.rollback(size, fmt.Errorf("failed to sync file: %w", err))
	}
	return nil
}

// rollback truncates the file to size after a failed append. If that fails
// too the store refuses further appends.
func (s *FileAppendOnlyStore) rollback(size int64, cause error) error {
	if err := s.file.Truncate(size); err != nil {
		s.broken = fmt.Errorf("file may end in a partial record: %w", errors.Join(cause, err))
		return s.broken
	}
	if err := s.file.Sync(); err != nil {
		s.broken = fmt.Errorf("file may end in a partial record: %w", errors.Join(cause, err))
		return s.broken
	}
	return cause
}

// Scan streams records from the start of the file. Appends made while a
// scan is running may or may not be seen.
func (s *FileAppendOnlyStore) Scan(fn func(line []byte) error) error {
	s.mu.RLock()
	f, err := os.Open(s.filePath)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to open file for reading: %w", err)
	}
	defer f.Close()

	return scanLines(f, fn)
}

// ReadAll returns every record
func (s *FileAppendOnlyStore) ReadAll() ([][]byte, error) {
	var out [][]byte
	err := s.Scan(func(line []byte) error {
		out = append(out, bytes.Clone(line))
		return nil
	})
	return out, err
}

// Size returns the current size of the file in bytes
func (s *FileAppendOnlyStore) Size() (int64, error) {
	info, err := os.Stat(s.filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return info.Size(), nil
}

// Close releases the append handle
func (s *FileAppendOnlyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func scanLines(r io.Reader, fn func(line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineSize+1)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}
