package annotations

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// CacheKey identifies a cached annotation set. Repo and Credential are optional
// partitions; an unset partition only matches entries stored without it.
type CacheKey struct {
	Repo       string   `json:"repo,omitempty"`
	Asset      AssetKey `json:"asset"`
	Credential string   `json:"credential,omitempty"`
}

// NewCacheKey builds a key for a repository and asset. When partition is set
// the key is scoped to the credential's fingerprint.
func NewCacheKey(repo RepoRef, asset AssetKey, cred Credential, partition bool) CacheKey {
	key := CacheKey{Repo: repo.String(), Asset: asset}
	if partition {
		key.Credential = cred.Fingerprint()
	}
	return key
}

func (k CacheKey) String() string {
	return strings.Join([]string{
		k.Asset.InstanceName,
		k.Asset.DandisetID,
		k.Asset.AssetPath,
		k.Asset.AssetID,
		k.Repo,
		k.Credential,
	}, "\x00")
}

func (k CacheKey) Validate() error {
	if err := k.Asset.Validate(); err != nil {
		return err
	}
	return nil
}

type CacheEntry struct {
	Key      CacheKey      `json:"key"`
	RepoPath string        `json:"repoPath"`
	Items    AnnotationSet `json:"annotationItems"`
	CachedAt time.Time     `json:"timestampCached"`
}

func (e CacheEntry) clone() CacheEntry {
	e.Items = e.Items.Clone()
	return e
}

// CacheStore is the backing store for cached annotation sets. Put replaces any
// entry with the same key in full.
type CacheStore interface {
	Get(ctx context.Context, key CacheKey) (CacheEntry, bool, error)
	Put(ctx context.Context, entry CacheEntry) error
	Delete(ctx context.Context, key CacheKey) error
}

type InMemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

var _ CacheStore = (*InMemoryCacheStore)(nil)

func NewInMemoryCacheStore() *InMemoryCacheStore {
	return &InMemoryCacheStore{entries: map[string]CacheEntry{}}
}

func (s *InMemoryCacheStore) Get(_ context.Context, key CacheKey) (CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key.String()]
	if !ok {
		return CacheEntry{}, false, nil
	}
	return entry.clone(), true, nil
}

func (s *InMemoryCacheStore) Put(_ context.Context, entry CacheEntry) error {
	if err := entry.Key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key.String()] = entry.clone()
	return nil
}

func (s *InMemoryCacheStore) Delete(_ context.Context, key CacheKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key.String())
	return nil
}

func (s *InMemoryCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cacheOpError(op string, err error) error {
	return fmt.Errorf("annotation cache %s: %w", op, err)
}
