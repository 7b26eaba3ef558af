package annotations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Annotation is a simple annotation stored directly in the document store,
// outside any repository.
type Annotation struct {
	AnnotationID      string         `json:"annotationId" bson:"annotationId"`
	UserID            string         `json:"userId" bson:"userId"`
	AnnotationType    string         `json:"annotationType" bson:"annotationType"`
	Annotation        map[string]any `json:"annotation" bson:"annotation"`
	DandiInstanceName string         `json:"dandiInstanceName,omitempty" bson:"dandiInstanceName,omitempty"`
	DandisetID        string         `json:"dandisetId,omitempty" bson:"dandisetId,omitempty"`
	DandisetVersion   string         `json:"dandisetVersion,omitempty" bson:"dandisetVersion,omitempty"`
	AssetPath         string         `json:"assetPath,omitempty" bson:"assetPath,omitempty"`
	AssetID           string         `json:"assetId,omitempty" bson:"assetId,omitempty"`
	AssetURL          string         `json:"assetUrl,omitempty" bson:"assetUrl,omitempty"`
	Timestamp         int64          `json:"timestamp" bson:"timestamp"`
}

func (a Annotation) validateNew() error {
	switch {
	case strings.TrimSpace(a.UserID) == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	case strings.TrimSpace(a.AnnotationType) == "":
		return fmt.Errorf("%w: annotationType is required", ErrInvalidInput)
	case a.Annotation == nil:
		return fmt.Errorf("%w: annotation is required", ErrInvalidInput)
	case a.DandisetID != "" && a.DandiInstanceName == "":
		return fmt.Errorf("%w: dandiInstanceName must be provided with dandisetId", ErrInvalidInput)
	}
	return nil
}

func (a Annotation) field(name string) string {
	switch name {
	case "annotationId":
		return a.AnnotationID
	case "userId":
		return a.UserID
	case "annotationType":
		return a.AnnotationType
	case "dandiInstanceName":
		return a.DandiInstanceName
	case "dandisetId":
		return a.DandisetID
	case "dandisetVersion":
		return a.DandisetVersion
	case "assetPath":
		return a.AssetPath
	case "assetId":
		return a.AssetID
	case "assetUrl":
		return a.AssetURL
	}
	return ""
}

type filterMode uint8

const (
	filterUnset filterMode = iota
	filterAbsent
	filterEquals
)

// FieldFilter is a tri-state query filter. In JSON an omitted field or empty
// string leaves it unset, null requires the field to be absent, and a string
// requires equality.
type FieldFilter struct {
	mode  filterMode
	value string
}

func Equals(value string) FieldFilter {
	if value == "" {
		return FieldFilter{}
	}
	return FieldFilter{mode: filterEquals, value: value}
}

func Absent() FieldFilter {
	return FieldFilter{mode: filterAbsent}
}

func (f FieldFilter) IsSet() bool    { return f.mode != filterUnset }
func (f FieldFilter) IsAbsent() bool { return f.mode == filterAbsent }
func (f FieldFilter) IsEquals() bool { return f.mode == filterEquals }
func (f FieldFilter) Value() string  { return f.value }

func (f FieldFilter) Matches(v string) bool {
	switch f.mode {
	case filterAbsent:
		return v == ""
	case filterEquals:
		return v == f.value
	default:
		return true
	}
}

func (f *FieldFilter) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*f = Absent()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: filter must be a string or null", ErrInvalidInput)
	}
	*f = Equals(s)
	return nil
}

func (f FieldFilter) MarshalJSON() ([]byte, error) {
	switch f.mode {
	case filterAbsent:
		return []byte("null"), nil
	case filterEquals:
		return json.Marshal(f.value)
	default:
		return []byte(`""`), nil
	}
}

type AnnotationQuery struct {
	AnnotationID      FieldFilter `json:"annotationId"`
	UserID            FieldFilter `json:"userId"`
	AnnotationType    FieldFilter `json:"annotationType"`
	DandiInstanceName FieldFilter `json:"dandiInstanceName"`
	DandisetID        FieldFilter `json:"dandisetId"`
	DandisetVersion   FieldFilter `json:"dandisetVersion"`
	AssetPath         FieldFilter `json:"assetPath"`
	AssetID           FieldFilter `json:"assetId"`
	AssetURL          FieldFilter `json:"assetUrl"`
}

type namedFilter struct {
	field  string
	column string
	filter FieldFilter
}

func (q AnnotationQuery) filters() []namedFilter {
	return []namedFilter{
		{"annotationId", "annotation_id", q.AnnotationID},
		{"userId", "user_id", q.UserID},
		{"annotationType", "annotation_type", q.AnnotationType},
		{"dandiInstanceName", "dandi_instance_name", q.DandiInstanceName},
		{"dandisetId", "dandiset_id", q.DandisetID},
		{"dandisetVersion", "dandiset_version", q.DandisetVersion},
		{"assetPath", "asset_path", q.AssetPath},
		{"assetId", "asset_id", q.AssetID},
		{"assetUrl", "asset_url", q.AssetURL},
	}
}

// Validate rejects queries that would scan the whole store.
func (q AnnotationQuery) Validate() error {
	if q.DandisetID.IsEquals() && !q.DandiInstanceName.IsEquals() {
		return fmt.Errorf("%w: dandiInstanceName must be provided if dandisetId is provided", ErrInvalidInput)
	}
	if q.AnnotationID.IsEquals() || q.UserID.IsEquals() || q.DandisetID.IsEquals() ||
		q.AssetID.IsEquals() || q.AssetURL.IsEquals() {
		return nil
	}
	return fmt.Errorf("%w: not enough info provided in request for query", ErrInvalidInput)
}

func (q AnnotationQuery) Matches(a Annotation) bool {
	for _, f := range q.filters() {
		if !f.filter.Matches(a.field(f.field)) {
			return false
		}
	}
	return true
}

type AnnotationStore interface {
	Add(ctx context.Context, a Annotation) (Annotation, error)
	Query(ctx context.Context, q AnnotationQuery) ([]Annotation, error)
	// Delete removes the annotation only when it belongs to userID.
	Delete(ctx context.Context, annotationID, userID string) error
}

func NewAnnotationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func prepareNewAnnotation(a Annotation, now time.Time) (Annotation, error) {
	if err := a.validateNew(); err != nil {
		return Annotation{}, err
	}
	a.AnnotationID = NewAnnotationID()
	a.Timestamp = now.UnixMilli()
	return a, nil
}

type InMemoryAnnotationStore struct {
	mu    sync.RWMutex
	items map[string]Annotation
	now   func() time.Time
}

var _ AnnotationStore = (*InMemoryAnnotationStore)(nil)

func NewInMemoryAnnotationStore() *InMemoryAnnotationStore {
	return &InMemoryAnnotationStore{items: map[string]Annotation{}, now: time.Now}
}

func (s *InMemoryAnnotationStore) Add(_ context.Context, a Annotation) (Annotation, error) {
	a, err := prepareNewAnnotation(a, s.now())
	if err != nil {
		return Annotation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[a.AnnotationID] = a
	return a, nil
}

func (s *InMemoryAnnotationStore) Query(_ context.Context, q AnnotationQuery) ([]Annotation, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Annotation{}
	for _, a := range s.items {
		if q.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].AnnotationID < out[j].AnnotationID
	})
	return out, nil
}

func (s *InMemoryAnnotationStore) Delete(_ context.Context, annotationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[annotationID]
	if !ok || a.UserID != userID {
		return ErrNotFound
	}
	delete(s.items, annotationID)
	return nil
}
