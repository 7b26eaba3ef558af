package annotations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type PostgresAnnotationStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ AnnotationStore = (*PostgresAnnotationStore)(nil)

func NewPostgresAnnotationStore(dsn string) (*PostgresAnnotationStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresAnnotationStore{
		dsn:       dsn,
		tableName: postgresAnnotationTableName,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (s *PostgresAnnotationStore) Add(ctx context.Context, a Annotation) (Annotation, error) {
	a, err := prepareNewAnnotation(a, s.now())
	if err != nil {
		return Annotation{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Annotation{}, err
	}
	payload, err := json.Marshal(a.Annotation)
	if err != nil {
		return Annotation{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (annotation_id, user_id, annotation_type, annotation, dandi_instance_name, dandiset_id,
			dandiset_version, asset_path, asset_id, asset_url, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, postgresQuoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query,
		a.AnnotationID, a.UserID, a.AnnotationType, string(payload), a.DandiInstanceName, a.DandisetID,
		a.DandisetVersion, a.AssetPath, a.AssetID, a.AssetURL, a.Timestamp)
	if err != nil {
		return Annotation{}, err
	}
	return a, nil
}

func (s *PostgresAnnotationStore) Query(ctx context.Context, q AnnotationQuery) ([]Annotation, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var (
		clauses []string
		args    []any
	)
	for _, f := range q.filters() {
		switch {
		case f.filter.IsAbsent():
			clauses = append(clauses, f.column+" = ''")
		case f.filter.IsEquals():
			args = append(args, f.filter.Value())
			clauses = append(clauses, fmt.Sprintf("%s = $%d", f.column, len(args)))
		}
	}
	query := fmt.Sprintf(`
		SELECT annotation_id, user_id, annotation_type, annotation, dandi_instance_name, dandiset_id,
			dandiset_version, asset_path, asset_id, asset_url, timestamp_ms
		FROM %s
		WHERE %s
		ORDER BY timestamp_ms ASC, annotation_id ASC`, postgresQuoteIdentifier(s.tableName), strings.Join(clauses, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Annotation{}
	for rows.Next() {
		var (
			a       Annotation
			payload string
		)
		if err := rows.Scan(&a.AnnotationID, &a.UserID, &a.AnnotationType, &payload, &a.DandiInstanceName,
			&a.DandisetID, &a.DandisetVersion, &a.AssetPath, &a.AssetID, &a.AssetURL, &a.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &a.Annotation); err != nil {
			return nil, fmt.Errorf("decode annotation %s: %w", a.AnnotationID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresAnnotationStore) Delete(ctx context.Context, annotationID, userID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE annotation_id = $1 AND user_id = $2`, postgresQuoteIdentifier(s.tableName))
	res, err := s.db.ExecContext(ctx, query, annotationID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresAnnotationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresAnnotationStore) ensureReady() error {
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

		table := postgresQuoteIdentifier(s.tableName)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					annotation_id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					annotation_type TEXT NOT NULL,
					annotation JSONB NOT NULL,
					dandi_instance_name TEXT NOT NULL DEFAULT '',
					dandiset_id TEXT NOT NULL DEFAULT '',
					dandiset_version TEXT NOT NULL DEFAULT '',
					asset_path TEXT NOT NULL DEFAULT '',
					asset_id TEXT NOT NULL DEFAULT '',
					asset_url TEXT NOT NULL DEFAULT '',
					timestamp_ms BIGINT NOT NULL
				)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (user_id)`, postgresQuoteIdentifier(s.tableName+"_user_idx"), table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (dandi_instance_name, dandiset_id)`, postgresQuoteIdentifier(s.tableName+"_dandiset_idx"), table),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}
