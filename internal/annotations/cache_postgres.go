package annotations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCacheTableName      = "nsa_annotation_cache"
	postgresAnnotationTableName = "nsa_annotations"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCacheStore keeps one row per cache key; the key columns form the
// primary key so Put is a single-row upsert.
type PostgresCacheStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ CacheStore = (*PostgresCacheStore)(nil)

func NewPostgresCacheStore(dsn string) (*PostgresCacheStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCacheStore{
		dsn:       dsn,
		tableName: postgresCacheTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresCacheStore) Get(ctx context.Context, key CacheKey) (CacheEntry, bool, error) {
	if err := s.ensureReady(); err != nil {
		return CacheEntry{}, false, cacheOpError("get", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT repo_path, annotation_items, cached_at
		FROM %s
		WHERE instance_name = $1 AND dandiset_id = $2 AND asset_path = $3 AND asset_id = $4
			AND repo = $5 AND credential = $6`, postgresQuoteIdentifier(s.tableName))
	var (
		repoPath string
		payload  string
		cachedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, cacheKeyArgs(key)...).Scan(&repoPath, &payload, &cachedAt)
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
	return CacheEntry{Key: key, RepoPath: repoPath, Items: items, CachedAt: cachedAt.UTC()}, true, nil
}

func (s *PostgresCacheStore) Put(ctx context.Context, entry CacheEntry) error {
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
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (instance_name, dandiset_id, asset_path, asset_id, repo, credential, repo_path, annotation_items, cached_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (instance_name, dandiset_id, asset_path, asset_id, repo, credential)
		DO UPDATE SET repo_path = EXCLUDED.repo_path, annotation_items = EXCLUDED.annotation_items, cached_at = EXCLUDED.cached_at`,
		postgresQuoteIdentifier(s.tableName))
	args := append(cacheKeyArgs(entry.Key), entry.RepoPath, string(payload), entry.CachedAt.UTC())
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return cacheOpError("put", err)
	}
	return nil
}

func (s *PostgresCacheStore) Delete(ctx context.Context, key CacheKey) error {
	if err := s.ensureReady(); err != nil {
		return cacheOpError("delete", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE instance_name = $1 AND dandiset_id = $2 AND asset_path = $3 AND asset_id = $4
			AND repo = $5 AND credential = $6`, postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, cacheKeyArgs(key)...); err != nil {
		return cacheOpError("delete", err)
	}
	return nil
}

func (s *PostgresCacheStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresCacheStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				instance_name TEXT NOT NULL,
				dandiset_id TEXT NOT NULL,
				asset_path TEXT NOT NULL,
				asset_id TEXT NOT NULL,
				repo TEXT NOT NULL DEFAULT '',
				credential TEXT NOT NULL DEFAULT '',
				repo_path TEXT NOT NULL,
				annotation_items TEXT NOT NULL,
				cached_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (instance_name, dandiset_id, asset_path, asset_id, repo, credential)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func cacheKeyArgs(key CacheKey) []any {
	return []any{
		key.Asset.InstanceName,
		key.Asset.DandisetID,
		key.Asset.AssetPath,
		key.Asset.AssetID,
		key.Repo,
		key.Credential,
	}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
