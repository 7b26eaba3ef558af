package annotations

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type CacheStoreFactory func(dsn string) (CacheStore, error)
type AnnotationStoreFactory func(dsn string) (AnnotationStore, error)

var storeFactoryRegistry = struct {
	mu                  sync.RWMutex
	cacheFactories      map[string]CacheStoreFactory
	annotationFactories map[string]AnnotationStoreFactory
}{
	cacheFactories:      map[string]CacheStoreFactory{},
	annotationFactories: map[string]AnnotationStoreFactory{},
}

func RegisterCacheStoreFactory(scheme string, factory CacheStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.cacheFactories[scheme] = factory
}

func RegisterAnnotationStoreFactory(scheme string, factory AnnotationStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.annotationFactories[scheme] = factory
}

func lookupCacheStoreFactory(scheme string) (CacheStoreFactory, bool) {
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.cacheFactories[normalizeStoreScheme(scheme)]
	return factory, ok
}

func lookupAnnotationStoreFactory(scheme string) (AnnotationStoreFactory, bool) {
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.annotationFactories[normalizeStoreScheme(scheme)]
	return factory, ok
}

// BuildCacheStoreFromDSN picks a cache backend from the DSN scheme. An empty
// DSN yields an in-memory cache.
func BuildCacheStoreFromDSN(dsn string) (CacheStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryCacheStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupCacheStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileCacheStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryCacheStore(), nil
	case "postgres", "postgresql":
		return NewPostgresCacheStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteCacheStore(path)
	case "mongodb", "mongodb+srv":
		return NewMongoCacheStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported cache scheme: %s", scheme)
	}
}

// BuildAnnotationStoreFromDSN picks the simple annotation backend. An empty
// DSN yields an in-memory store.
func BuildAnnotationStoreFromDSN(dsn string) (AnnotationStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryAnnotationStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupAnnotationStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryAnnotationStore(), nil
	case "postgres", "postgresql":
		return NewPostgresAnnotationStore(dsn)
	case "mongodb", "mongodb+srv":
		return NewMongoAnnotationStore(dsn)
	case "", "file", "sqlite", "sqlite3":
		return nil, fmt.Errorf("%w: annotation store backend %s", ErrNotImplemented, firstNonEmpty(scheme, "file"))
	default:
		return nil, fmt.Errorf("unsupported annotation store scheme: %s", scheme)
	}
}

// dsnPath accepts file:///abs, file://rel and bare paths.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
