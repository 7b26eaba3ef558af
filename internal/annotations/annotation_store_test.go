package annotations

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
)

func exerciseAnnotationStore(t *testing.T, store AnnotationStore) {
	t.Helper()
	ctx := context.Background()

	first, err := store.Add(ctx, Annotation{
		UserID:            "github|alice",
		AnnotationType:    "note",
		Annotation:        map[string]any{"text": "interesting spike"},
		DandiInstanceName: "dandi",
		DandisetID:        "000409",
		DandisetVersion:   "draft",
		AssetPath:         "sub-1/sub-1.nwb",
		AssetID:           "asset123",
	})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if len(first.AnnotationID) != 32 || first.Timestamp == 0 {
		t.Fatalf("expected generated id and timestamp, got %+v", first)
	}
	second, err := store.Add(ctx, Annotation{
		UserID:            "github|bob",
		AnnotationType:    "note",
		Annotation:        map[string]any{"text": "dandiset level"},
		DandiInstanceName: "dandi",
		DandisetID:        "000409",
	})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	all, err := store.Query(ctx, AnnotationQuery{DandiInstanceName: Equals("dandi"), DandisetID: Equals("000409")})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 annotations, got %d", len(all))
	}

	datasetLevel, err := store.Query(ctx, AnnotationQuery{DandiInstanceName: Equals("dandi"), DandisetID: Equals("000409"), AssetID: Absent()})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(datasetLevel) != 1 || datasetLevel[0].AnnotationID != second.AnnotationID {
		t.Fatalf("expected only the dandiset-level annotation, got %+v", datasetLevel)
	}

	byUser, err := store.Query(ctx, AnnotationQuery{UserID: Equals("github|alice")})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(byUser) != 1 || byUser[0].AnnotationID != first.AnnotationID {
		t.Fatalf("expected alice's annotation, got %+v", byUser)
	}
	if !reflect.DeepEqual(byUser[0].Annotation, map[string]any{"text": "interesting spike"}) {
		t.Fatalf("unexpected payload %+v", byUser[0].Annotation)
	}

	if err := store.Delete(ctx, first.AnnotationID, "github|bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected non-owner delete to be not found, got %v", err)
	}
	if err := store.Delete(ctx, first.AnnotationID, "github|alice"); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	remaining, err := store.Query(ctx, AnnotationQuery{AnnotationID: Equals(first.AnnotationID)})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected annotation to be gone, got %+v", remaining)
	}
	if err := store.Delete(ctx, first.AnnotationID, "github|alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second delete to be not found, got %v", err)
	}
}

func TestInMemoryAnnotationStore(t *testing.T) {
	exerciseAnnotationStore(t, NewInMemoryAnnotationStore())
}

func TestPostgresAnnotationStoreIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("NSA_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("NSA_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresAnnotationStore(dsn)
	if err != nil {
		t.Fatalf("new postgres annotation store failed: %v", err)
	}
	store.tableName = "nsa_annotations_test"
	defer func() {
		if store.db != nil {
			_, _ = store.db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(store.tableName))
		}
		_ = store.Close()
	}()
	exerciseAnnotationStore(t, store)
}

func TestMongoAnnotationStoreIntegration(t *testing.T) {
	uri := strings.TrimSpace(os.Getenv("NSA_TEST_MONGODB_URI"))
	if uri == "" {
		t.Skip("NSA_TEST_MONGODB_URI not set")
	}
	store, err := NewMongoAnnotationStore(uri)
	if err != nil {
		t.Fatalf("new mongo annotation store failed: %v", err)
	}
	store.conn.database = "nsa_test_annotations"
	defer func() {
		if store.conn.client != nil {
			_ = store.conn.client.Database(store.conn.database).Drop(context.Background())
		}
		_ = store.Close()
	}()
	exerciseAnnotationStore(t, store)
}

func TestAnnotationStoreAddValidation(t *testing.T) {
	store := NewInMemoryAnnotationStore()
	cases := []Annotation{
		{AnnotationType: "note", Annotation: map[string]any{}},
		{UserID: "github|a", Annotation: map[string]any{}},
		{UserID: "github|a", AnnotationType: "note"},
		{UserID: "github|a", AnnotationType: "note", Annotation: map[string]any{}, DandisetID: "000409"},
	}
	for _, a := range cases {
		if _, err := store.Add(context.Background(), a); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", a, err)
		}
	}
}

func TestAnnotationQueryValidation(t *testing.T) {
	cases := []struct {
		query AnnotationQuery
		ok    bool
	}{
		{query: AnnotationQuery{}, ok: false},
		{query: AnnotationQuery{AnnotationType: Equals("note"), AssetPath: Equals("x")}, ok: false},
		{query: AnnotationQuery{UserID: Absent()}, ok: false},
		{query: AnnotationQuery{DandisetID: Equals("000409")}, ok: false},
		{query: AnnotationQuery{DandiInstanceName: Equals("dandi"), DandisetID: Equals("000409")}, ok: true},
		{query: AnnotationQuery{AssetURL: Equals("https://api.dandiarchive.org/x")}, ok: true},
		{query: AnnotationQuery{AnnotationID: Equals("abc")}, ok: true},
	}
	for i, tc := range cases {
		err := tc.query.Validate()
		if tc.ok && err != nil {
			t.Fatalf("case %d: expected valid query, got %v", i, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestFieldFilterJSON(t *testing.T) {
	var q AnnotationQuery
	if err := json.Unmarshal([]byte(`{"userId":"github|a","assetId":null,"assetPath":""}`), &q); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !q.UserID.IsEquals() || q.UserID.Value() != "github|a" {
		t.Fatalf("expected equals filter, got %+v", q.UserID)
	}
	if !q.AssetID.IsAbsent() {
		t.Fatalf("expected null to mean absent, got %+v", q.AssetID)
	}
	if q.AssetPath.IsSet() || q.DandisetID.IsSet() {
		t.Fatalf("expected empty and omitted fields to be unset")
	}
	if err := json.Unmarshal([]byte(`{"userId":3}`), &q); err == nil {
		t.Fatalf("expected non-string filter to fail")
	}
}

func TestNewAnnotationIDIsHex32(t *testing.T) {
	id := NewAnnotationID()
	if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
		t.Fatalf("unexpected id %q", id)
	}
	if id == NewAnnotationID() {
		t.Fatalf("expected unique ids")
	}
}

func TestBuildAnnotationStoreFromDSN(t *testing.T) {
	store, err := BuildAnnotationStoreFromDSN("")
	if err != nil || reflect.TypeOf(store).String() != "*annotations.InMemoryAnnotationStore" {
		t.Fatalf("expected in-memory store, got %T err=%v", store, err)
	}
	store, err = BuildAnnotationStoreFromDSN("postgres://localhost/db")
	if err != nil || reflect.TypeOf(store).String() != "*annotations.PostgresAnnotationStore" {
		t.Fatalf("expected postgres store, got %T err=%v", store, err)
	}
	store, err = BuildAnnotationStoreFromDSN("mongodb://localhost:27017")
	if err != nil || reflect.TypeOf(store).String() != "*annotations.MongoAnnotationStore" {
		t.Fatalf("expected mongo store, got %T err=%v", store, err)
	}
	if _, err := BuildAnnotationStoreFromDSN("sqlite:///tmp/a.db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for sqlite, got %v", err)
	}
	RegisterAnnotationStoreFactory("annotationtestcustom", func(string) (AnnotationStore, error) {
		return NewInMemoryAnnotationStore(), nil
	})
	if _, err := BuildAnnotationStoreFromDSN("annotationtestcustom://x"); err != nil {
		t.Fatalf("expected registered factory to be used, got %v", err)
	}
}
