package annotations

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoAnnotationStore keeps simple annotations in the "annotations"
// collection. Optional fields are omitted from documents when empty, so an
// absent filter maps to $exists: false.
type MongoAnnotationStore struct {
	conn *mongoConn
	now  func() time.Time

	collOnce sync.Once
	collErr  error
	coll     *mongo.Collection
}

var _ AnnotationStore = (*MongoAnnotationStore)(nil)

func NewMongoAnnotationStore(dsn string) (*MongoAnnotationStore, error) {
	conn, err := newMongoConn(dsn)
	if err != nil {
		return nil, err
	}
	return &MongoAnnotationStore{conn: conn, now: time.Now}, nil
}

func (s *MongoAnnotationStore) collection() (*mongo.Collection, error) {
	s.collOnce.Do(func() {
		s.coll, s.collErr = s.conn.collection(mongoAnnotationCollection, bson.D{{Key: "annotationId", Value: 1}})
	})
	return s.coll, s.collErr
}

func (s *MongoAnnotationStore) Add(ctx context.Context, a Annotation) (Annotation, error) {
	a, err := prepareNewAnnotation(a, s.now())
	if err != nil {
		return Annotation{}, err
	}
	coll, err := s.collection()
	if err != nil {
		return Annotation{}, err
	}
	if _, err := coll.InsertOne(ctx, a); err != nil {
		return Annotation{}, err
	}
	return a, nil
}

func (s *MongoAnnotationStore) Query(ctx context.Context, q AnnotationQuery) ([]Annotation, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	coll, err := s.collection()
	if err != nil {
		return nil, err
	}
	filter := bson.D{}
	for _, f := range q.filters() {
		switch {
		case f.filter.IsAbsent():
			filter = append(filter, bson.E{Key: f.field, Value: bson.D{{Key: "$exists", Value: false}}})
		case f.filter.IsEquals():
			filter = append(filter, bson.E{Key: f.field, Value: f.filter.Value()})
		}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "annotationId", Value: 1}}).
		SetProjection(bson.D{{Key: "_id", Value: 0}})
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := []Annotation{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Annotation{}
	}
	return out, nil
}

func (s *MongoAnnotationStore) Delete(ctx context.Context, annotationID, userID string) error {
	coll, err := s.collection()
	if err != nil {
		return err
	}
	res, err := coll.DeleteOne(ctx, bson.D{
		{Key: "annotationId", Value: annotationID},
		{Key: "userId", Value: userID},
	})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoAnnotationStore) Close() error {
	return s.conn.close()
}
