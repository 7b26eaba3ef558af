package annotations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

type SyncerOptions struct {
	Content ContentClient
	Cache   CacheStore
	Events  *EventBroker
	Logger  *slog.Logger
	Now     func() time.Time
	// PartitionByCredential scopes cache entries to the caller's credential
	// fingerprint so content never crosses principals.
	PartitionByCredential bool
	// CommitMessage may contain {path}; empty uses the client default.
	CommitMessage string
	Branch        string
}

// Syncer reads annotation sets through the cache and writes them to the
// repository with optimistic concurrency. It never retries a write.
type Syncer struct {
	content   ContentClient
	cache     CacheStore
	events    *EventBroker
	logger    *slog.Logger
	now       func() time.Time
	partition bool
	message   string
	branch    string

	flight singleflight.Group
	stats  syncerCounters
}

type syncerCounters struct {
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
	remoteFetches atomic.Uint64
	writes        atomic.Uint64
	conflicts     atomic.Uint64
	invalidations atomic.Uint64
}

type SyncerStats struct {
	CacheHits     uint64 `json:"cacheHits"`
	CacheMisses   uint64 `json:"cacheMisses"`
	RemoteFetches uint64 `json:"remoteFetches"`
	Writes        uint64 `json:"writes"`
	Conflicts     uint64 `json:"conflicts"`
	Invalidations uint64 `json:"invalidations"`
}

type ReadRequest struct {
	Repo       RepoRef
	Asset      AssetKey
	Credential Credential
}

type ReadResult struct {
	Path     string        `json:"path"`
	Items    AnnotationSet `json:"annotationItems"`
	CacheHit bool          `json:"cacheHit"`
	CachedAt time.Time     `json:"timestampCached,omitempty"`
}

type WriteRequest struct {
	Repo          RepoRef
	Asset         AssetKey
	Items         AnnotationSet
	Credential    Credential
	Message       string
	CorrelationID string
	// DandisetVersion is the dandiset version the annotations were made
	// against. It only feeds the commit message and logs; the file path does
	// not depend on it.
	DandisetVersion string
}

type WriteResult struct {
	Path         string       `json:"path"`
	Token        ContentToken `json:"sha"`
	CommitSHA    string       `json:"commitSha,omitempty"`
	ItemCount    int          `json:"itemCount"`
	CacheUpdated bool         `json:"cacheUpdated"`
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Content == nil {
		return nil, fmt.Errorf("%w: content client is required", ErrInvalidInput)
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewInMemoryCacheStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		content:   opts.Content,
		cache:     cache,
		events:    opts.Events,
		logger:    logger,
		now:       now,
		partition: opts.PartitionByCredential,
		message:   strings.TrimSpace(opts.CommitMessage),
		branch:    strings.TrimSpace(opts.Branch),
	}, nil
}

// KeyFor builds the cache key this syncer uses for a request.
func (s *Syncer) KeyFor(repo RepoRef, asset AssetKey, cred Credential) CacheKey {
	return NewCacheKey(repo, asset, cred, s.partition)
}

func (s *Syncer) Read(ctx context.Context, req ReadRequest) (ReadResult, error) {
	if err := validateTarget(req.Repo, req.Asset); err != nil {
		return ReadResult{}, err
	}
	path := req.Asset.Path()
	key := s.KeyFor(req.Repo, req.Asset, req.Credential)

	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("annotation cache read failed", "path", path, "error", err)
	} else if ok {
		s.stats.cacheHits.Add(1)
		return ReadResult{Path: path, Items: entry.Items, CacheHit: true, CachedAt: entry.CachedAt}, nil
	}
	s.stats.cacheMisses.Add(1)
	s.logger.Debug("annotation cache miss", "repo", req.Repo.String(), "path", path)

	// The shared fetch outlives any single caller; each caller still stops
	// waiting when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key.String(), func() (any, error) {
		// A flight that finished just before this one may have filled the entry.
		if entry, ok, err := s.cache.Get(fetchCtx, key); err == nil && ok {
			return ReadResult{Path: path, Items: entry.Items, CacheHit: true, CachedAt: entry.CachedAt}, nil
		}
		return s.fetchAndCache(fetchCtx, req, key, path)
	})
	select {
	case <-ctx.Done():
		return ReadResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ReadResult{}, res.Err
		}
		result := res.Val.(ReadResult)
		result.Items = result.Items.Clone()
		return result, nil
	}
}

func (s *Syncer) fetchAndCache(ctx context.Context, req ReadRequest, key CacheKey, path string) (ReadResult, error) {
	s.stats.remoteFetches.Add(1)
	file, err := s.content.FetchFile(ctx, req.Repo, path, req.Credential)
	if errors.Is(err, ErrNotFound) {
		return ReadResult{Path: path, Items: AnnotationSet{}}, nil
	}
	if err != nil {
		return ReadResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	items, err := DeserializeSet(file.Content)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	cachedAt := s.now().UTC()
	if err := s.cache.Put(ctx, CacheEntry{Key: key, RepoPath: path, Items: items, CachedAt: cachedAt}); err != nil {
		s.logger.Warn("annotation cache populate failed", "path", path, "error", err)
	}
	return ReadResult{Path: path, Items: items, CachedAt: cachedAt}, nil
}

// Write replaces the whole annotation set at the asset's path. The cache entry
// is replaced only after the repository accepted the write.
func (s *Syncer) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if err := validateTarget(req.Repo, req.Asset); err != nil {
		return WriteResult{}, err
	}
	if req.Credential.Empty() {
		return WriteResult{}, fmt.Errorf("%w: credential is required to write", ErrUnauthorized)
	}
	path := req.Asset.Path()
	items := req.Items.Clone()
	content, err := SerializeSet(items)
	if err != nil {
		return WriteResult{}, err
	}

	token := NoToken
	current, err := s.content.FetchFile(ctx, req.Repo, path, req.Credential)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return WriteResult{}, fmt.Errorf("write %s: fetch token: %w", path, err)
	default:
		token = current.Token
	}

	put, err := s.content.PutFile(ctx, PutFileRequest{
		Repo:       req.Repo,
		Path:       path,
		Content:    content,
		Token:      token,
		Message:    s.commitMessage(req.Message, path, req.DandisetVersion),
		Branch:     s.branch,
		Credential: req.Credential,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.stats.conflicts.Add(1)
		}
		s.logger.Info("annotation write rejected", "repo", req.Repo.String(), "path", path, "error", err)
		return WriteResult{}, fmt.Errorf("write %s: %w", path, err)
	}
	s.stats.writes.Add(1)

	result := WriteResult{Path: path, Token: put.Token, CommitSHA: put.CommitSHA, ItemCount: len(items), CacheUpdated: true}
	key := s.KeyFor(req.Repo, req.Asset, req.Credential)
	if err := s.cache.Put(ctx, CacheEntry{Key: key, RepoPath: path, Items: items, CachedAt: s.now().UTC()}); err != nil {
		result.CacheUpdated = false
		s.logger.Warn("annotation cache update failed after write", "path", path, "error", err)
		// A stale entry would hide this write from readers.
		if delErr := s.cache.Delete(ctx, key); delErr != nil {
			s.logger.Error("annotation cache evict failed", "path", path, "error", delErr)
		}
	}
	s.logger.Info("annotations written",
		"repo", req.Repo.String(),
		"path", path,
		"items", len(items),
		"sha", put.Token.String(),
		"dandiset_version", req.DandisetVersion,
		"cache_updated", result.CacheUpdated,
	)
	s.events.Publish(Event{
		Type:          EventAnnotationsWritten,
		Repo:          req.Repo.String(),
		Path:          path,
		SHA:           put.Token.String(),
		ItemCount:     len(items),
		CorrelationID: req.CorrelationID,
		Principal:     req.Credential.Fingerprint(),
	})
	return result, nil
}

// Invalidate drops the cache entry for key. The repository is not touched.
func (s *Syncer) Invalidate(ctx context.Context, key CacheKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		return err
	}
	s.stats.invalidations.Add(1)
	s.events.Publish(Event{
		Type:      EventCacheInvalidated,
		Repo:      key.Repo,
		Path:      key.Asset.Path(),
		Principal: key.Credential,
	})
	return nil
}

func (s *Syncer) Stats() SyncerStats {
	return SyncerStats{
		CacheHits:     s.stats.cacheHits.Load(),
		CacheMisses:   s.stats.cacheMisses.Load(),
		RemoteFetches: s.stats.remoteFetches.Load(),
		Writes:        s.stats.writes.Load(),
		Conflicts:     s.stats.conflicts.Load(),
		Invalidations: s.stats.invalidations.Load(),
	}
}

// commitMessage expands {path} and {version} in the configured template. An
// unknown version expands to "draft".
func (s *Syncer) commitMessage(override, path, version string) string {
	if msg := strings.TrimSpace(override); msg != "" {
		return msg
	}
	if s.message == "" {
		return ""
	}
	version = strings.TrimSpace(version)
	if version == "" {
		version = "draft"
	}
	return strings.NewReplacer("{path}", path, "{version}", version).Replace(s.message)
}

func validateTarget(repo RepoRef, asset AssetKey) error {
	if repo.IsZero() {
		return fmt.Errorf("%w: repo is required", ErrInvalidInput)
	}
	return asset.Validate()
}
