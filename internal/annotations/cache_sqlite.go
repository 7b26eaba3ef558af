package annotations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCacheStore is a single-file cache for deployments without a database
// server.
type SQLiteCacheStore struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ CacheStore = (*SQLiteCacheStore)(nil)

func NewSQLiteCacheStore(path string) (*SQLiteCacheStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteCacheStore{path: path, openDB: sql.Open}, nil
}

func (s *SQLiteCacheStore) Get(ctx context.Context, key CacheKey) (CacheEntry, bool, error) {
	if err := s.ensureReady(); err != nil {
		return CacheEntry{}, false, cacheOpError("get", err)
	}
	var (
		repoPath string
		payload  string
		cachedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT repo_path, annotation_items, cached_at
		FROM annotation_cache
		WHERE instance_name = ? AND dandiset_id = ? AND asset_path = ? AND asset_id = ?
			AND repo = ? AND credential = ?`, cacheKeyArgs(key)...).Scan(&repoPath, &payload, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, cacheOpError("get", err)
	}
	var items AnnotationSet
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return CacheEntry{}, false, cacheOpError("get", err)
	}
	if items == nil {
		items = AnnotationSet{}
	}
	ts, err := time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil {
		return CacheEntry{}, false, cacheOpError("get", err)
	}
	return CacheEntry{Key: key, RepoPath: repoPath, Items: items, CachedAt: ts.UTC()}, true, nil
}

func (s *SQLiteCacheStore) Put(ctx context.Context, entry CacheEntry) error {
	if err := entry.Key.Validate(); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return cacheOpError("put", err)
	}
	items := entry.Items
	if items == nil {
		items = AnnotationSet{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return cacheOpError("put", err)
	}
	args := append(cacheKeyArgs(entry.Key), entry.RepoPath, string(payload), entry.CachedAt.UTC().Format(time.RFC3339Nano))
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO annotation_cache
			(instance_name, dandiset_id, asset_path, asset_id, repo, credential, repo_path, annotation_items, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return cacheOpError("put", err)
	}
	return nil
}

func (s *SQLiteCacheStore) Delete(ctx context.Context, key CacheKey) error {
	if err := s.ensureReady(); err != nil {
		return cacheOpError("delete", err)
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM annotation_cache
		WHERE instance_name = ? AND dandiset_id = ? AND asset_path = ? AND asset_id = ?
			AND repo = ? AND credential = ?`, cacheKeyArgs(key)...)
	if err != nil {
		return cacheOpError("delete", err)
	}
	return nil
}

func (s *SQLiteCacheStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteCacheStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				s.initErr = err
				return
			}
		}
		db, err := s.openDB("sqlite", s.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS annotation_cache (
				instance_name TEXT NOT NULL,
				dandiset_id TEXT NOT NULL,
				asset_path TEXT NOT NULL,
				asset_id TEXT NOT NULL,
				repo TEXT NOT NULL DEFAULT '',
				credential TEXT NOT NULL DEFAULT '',
				repo_path TEXT NOT NULL,
				annotation_items TEXT NOT NULL,
				cached_at TEXT NOT NULL,
				PRIMARY KEY (instance_name, dandiset_id, asset_path, asset_id, repo, credential)
			)`)
		if err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}
