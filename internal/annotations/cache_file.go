package annotations

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileCacheStore keeps the cache as a JSON snapshot on local disk. Every
// mutation rewrites the snapshot through a temp file and rename.
type FileCacheStore struct {
	path    string
	mu      sync.Mutex
	entries map[string]CacheEntry
}

type fileCacheState struct {
	Entries []CacheEntry `json:"entries"`
}

var _ CacheStore = (*FileCacheStore)(nil)

func NewFileCacheStore(path string) (*FileCacheStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileCacheStore{
		path:    path,
		entries: map[string]CacheEntry{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileCacheStore) Get(_ context.Context, key CacheKey) (CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key.String()]
	if !ok {
		return CacheEntry{}, false, nil
	}
	return entry.clone(), true, nil
}

func (s *FileCacheStore) Put(_ context.Context, entry CacheEntry) error {
	if err := entry.Key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := entry.Key.String()
	previous, existed := s.entries[id]
	s.entries[id] = entry.clone()
	if err := s.saveLocked(); err != nil {
		if existed {
			s.entries[id] = previous
		} else {
			delete(s.entries, id)
		}
		return cacheOpError("put", err)
	}
	return nil
}

func (s *FileCacheStore) Delete(_ context.Context, key CacheKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := key.String()
	previous, existed := s.entries[id]
	if !existed {
		return nil
	}
	delete(s.entries, id)
	if err := s.saveLocked(); err != nil {
		s.entries[id] = previous
		return cacheOpError("delete", err)
	}
	return nil
}

func (s *FileCacheStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileCacheState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, entry := range snapshot.Entries {
		s.entries[entry.Key.String()] = entry
	}
	return nil
}

func (s *FileCacheStore) saveLocked() error {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := fileCacheState{Entries: make([]CacheEntry, 0, len(ids))}
	for _, id := range ids {
		snapshot.Entries = append(snapshot.Entries, s.entries[id])
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
