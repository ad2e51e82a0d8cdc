package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gmmfit/internal/model"
)

// FileStore appends JSON-line checkpoint records to a flat file. The
// file is scanned sequentially on Latest; corrupt trailing lines (a
// crash mid-write) are tolerated as long as at least one record
// decodes.
type FileStore struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("checkpoint file path is required")
	}
	if s.f != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open checkpoint file: %w", err)
	}
	s.f = f
	return nil
}

func (s *FileStore) Append(_ context.Context, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return errors.New("file store not initialized")
	}
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := s.f.Write(payload); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	// the checkpoint is the only restart state; flush eagerly
	return s.f.Sync()
}

func (s *FileStore) Latest(_ context.Context) (model.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return model.Checkpoint{}, false, nil
	}
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("read checkpoint file: %w", err)
	}

	var last model.Checkpoint
	found := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cp, err := DecodeCheckpoint(line)
		if err != nil {
			if errors.Is(err, ErrVersionMismatch) {
				return model.Checkpoint{}, false, err
			}
			continue
		}
		last = cp
		found = true
	}
	if err := scanner.Err(); err != nil {
		return model.Checkpoint{}, false, err
	}
	return last, found, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
