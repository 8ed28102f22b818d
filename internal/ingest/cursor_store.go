package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CursorState maps a source name to the last cursor value submitted from it.
type CursorState struct {
	Cursors map[string]int64 `json:"cursors"`
}

// FileCursorStore keeps poller cursors in a small JSON file.
type FileCursorStore struct {
	path  string
	mu    sync.Mutex
	state CursorState
}

// LoadCursorStore reads path if it exists. A missing file starts empty.
func LoadCursorStore(path string) (*FileCursorStore, error) {
	s := &FileCursorStore{path: path, state: CursorState{Cursors: map[string]int64{}}}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor state: %w", err)
	}
	if err := json.Unmarshal(b, &s.state); err != nil {
		return nil, fmt.Errorf("decode cursor state %s: %w", path, err)
	}
	if s.state.Cursors == nil {
		s.state.Cursors = map[string]int64{}
	}
	return s, nil
}

func (s *FileCursorStore) Get(source string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Cursors[source]
}

// Set records the cursor and rewrites the file. Cursors never move backwards.
func (s *FileCursorStore) Set(source string, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor <= s.state.Cursors[source] {
		return nil
	}
	s.state.Cursors[source] = cursor
	return s.save()
}

func (s *FileCursorStore) save() error {
	b, err := json.MarshalIndent(s.state, "", " ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cursor state dir: %w", err)
		}
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write cursor state: %w", err)
	}
	return os.Rename(tmp, s.path)
}
