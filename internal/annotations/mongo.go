package annotations

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoDatabase      = "neurosift-annotations"
	mongoCacheCollection      = "cachedNwbFileAnnotations"
	mongoAnnotationCollection = "annotations"
	mongoOperationTimeout     = 10 * time.Second
)

// mongoConn connects lazily so constructing a backend never blocks.
type mongoConn struct {
	uri      string
	database string

	initOnce sync.Once
	initErr  error
	client   *mongo.Client
}

func newMongoConn(dsn string) (*mongoConn, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	database := strings.Trim(parsed.Path, "/")
	if database == "" {
		database = defaultMongoDatabase
	}
	return &mongoConn{uri: dsn, database: database}, nil
}

func (c *mongoConn) collection(name string, indexKeys bson.D) (*mongo.Collection, error) {
	c.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), mongoOperationTimeout)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.uri))
		if err != nil {
			c.initErr = err
			return
		}
		c.client = client
	})
	if c.initErr != nil {
		return nil, c.initErr
	}
	coll := c.client.Database(c.database).Collection(name)
	if len(indexKeys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), mongoOperationTimeout)
		defer cancel()
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    indexKeys,
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return nil, err
		}
	}
	return coll, nil
}

func (c *mongoConn) close() error {
	if c == nil || c.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoOperationTimeout)
	defer cancel()
	return c.client.Disconnect(ctx)
}

type mongoCacheDocument struct {
	DandiInstanceName string        `bson:"dandiInstanceName"`
	DandisetID        string        `bson:"dandisetId"`
	AssetPath         string        `bson:"assetPath"`
	AssetID           string        `bson:"assetId"`
	Repo              string        `bson:"repo"`
	Credential        string        `bson:"credential"`
	RepoPath          string        `bson:"repoPath"`
	AnnotationItems   AnnotationSet `bson:"annotationItems"`
	TimestampCached   int64         `bson:"timestampCached"`
}

// MongoCacheStore stores one document per cache key, matching the collection
// layout the hosted service used.
type MongoCacheStore struct {
	conn *mongoConn

	collOnce sync.Once
	collErr  error
	coll     *mongo.Collection
}

var _ CacheStore = (*MongoCacheStore)(nil)

func NewMongoCacheStore(dsn string) (*MongoCacheStore, error) {
	conn, err := newMongoConn(dsn)
	if err != nil {
		return nil, err
	}
	return &MongoCacheStore{conn: conn}, nil
}

func (s *MongoCacheStore) collection() (*mongo.Collection, error) {
	s.collOnce.Do(func() {
		s.coll, s.collErr = s.conn.collection(mongoCacheCollection, bson.D{
			{Key: "dandiInstanceName", Value: 1},
			{Key: "dandisetId", Value: 1},
			{Key: "assetPath", Value: 1},
			{Key: "assetId", Value: 1},
			{Key: "repo", Value: 1},
			{Key: "credential", Value: 1},
		})
	})
	return s.coll, s.collErr
}

func (s *MongoCacheStore) Get(ctx context.Context, key CacheKey) (CacheEntry, bool, error) {
	coll, err := s.collection()
	if err != nil {
		return CacheEntry{}, false, cacheOpError("get", err)
	}
	var doc mongoCacheDocument
	err = coll.FindOne(ctx, mongoCacheFilter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, cacheOpError("get", err)
	}
	items := doc.AnnotationItems
	if items == nil {
		items = AnnotationSet{}
	}
	return CacheEntry{
		Key:      key,
		RepoPath: doc.RepoPath,
		Items:    items,
		CachedAt: time.UnixMilli(doc.TimestampCached).UTC(),
	}, true, nil
}

func (s *MongoCacheStore) Put(ctx context.Context, entry CacheEntry) error {
	if err := entry.Key.Validate(); err != nil {
		return err
	}
	coll, err := s.collection()
	if err != nil {
		return cacheOpError("put", err)
	}
	items := entry.Items
	if items == nil {
		items = AnnotationSet{}
	}
	doc := mongoCacheDocument{
		DandiInstanceName: entry.Key.Asset.InstanceName,
		DandisetID:        entry.Key.Asset.DandisetID,
		AssetPath:         entry.Key.Asset.AssetPath,
		AssetID:           entry.Key.Asset.AssetID,
		Repo:              entry.Key.Repo,
		Credential:        entry.Key.Credential,
		RepoPath:          entry.RepoPath,
		AnnotationItems:   items,
		TimestampCached:   entry.CachedAt.UnixMilli(),
	}
	err = coll.FindOneAndReplace(ctx, mongoCacheFilter(entry.Key), doc, options.FindOneAndReplace().SetUpsert(true)).Err()
	// An upsert that inserts has no previous document to return.
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return cacheOpError("put", err)
	}
	return nil
}

func (s *MongoCacheStore) Delete(ctx context.Context, key CacheKey) error {
	coll, err := s.collection()
	if err != nil {
		return cacheOpError("delete", err)
	}
	if _, err := coll.DeleteOne(ctx, mongoCacheFilter(key)); err != nil {
		return cacheOpError("delete", err)
	}
	return nil
}

func (s *MongoCacheStore) Close() error {
	return s.conn.close()
}

func mongoCacheFilter(key CacheKey) bson.D {
	return bson.D{
		{Key: "dandiInstanceName", Value: key.Asset.InstanceName},
		{Key: "dandisetId", Value: key.Asset.DandisetID},
		{Key: "assetPath", Value: key.Asset.AssetPath},
		{Key: "assetId", Value: key.Asset.AssetID},
		{Key: "repo", Value: key.Repo},
		{Key: "credential", Value: key.Credential},
	}
}
