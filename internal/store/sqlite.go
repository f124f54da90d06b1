package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/models"

	// modernc.org/sqlite is a pure Go SQLite driver.
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS error_reports (
		id          TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		timestamp   INTEGER NOT NULL,
		severity    TEXT NOT NULL,
		service     TEXT NOT NULL,
		resolved    INTEGER NOT NULL DEFAULT 0,
		report      TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_error_reports_fingerprint ON error_reports(fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_error_reports_timestamp ON error_reports(timestamp)`,
	`CREATE TABLE IF NOT EXISTS pipeline_config (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		data       TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// SQLiteStore persists reports in a SQLite database. Each report is kept as a
// JSON document alongside the scalar columns used for filtering.
type SQLiteStore struct {
	db *sql.DB
	// mu serializes writers so read-modify-write upserts are atomic.
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, pipelineerrors.NewConfigValidationError("storage.path", path, "sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pipelineerrors.NewStorageWriteError("open", err)
	}

	// One connection keeps the pragmas in effect and lets SQLite's own
	// locking do the rest.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, pipelineerrors.NewStorageWriteError("pragma", err)
		}
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, pipelineerrors.NewStorageWriteError("schema", err)
		}
	}

	return newSQLiteStore(db), nil
}

// newSQLiteStore wraps an already initialized database.
func newSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Store implements Store.
func (s *SQLiteStore) Store(ctx context.Context, report *models.ErrorReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(report)
	if err != nil {
		return pipelineerrors.NewStorageWriteError("store", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO error_reports (id, fingerprint, timestamp, severity, service, resolved, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.Fingerprint, report.Timestamp.UnixNano(), string(report.Severity),
		report.Source.Service, boolToInt(report.Resolved), string(data),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return pipelineerrors.NewStorageWriteError("store", fmt.Errorf("%w: %v", ErrDuplicateFingerprint, err))
		}
		return pipelineerrors.NewStorageWriteError("store", err)
	}
	return nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, report *models.ErrorReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(report)
	if err != nil {
		return pipelineerrors.NewStorageWriteError("update", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE error_reports SET fingerprint = ?, timestamp = ?, severity = ?, service = ?, resolved = ?, report = ?
		 WHERE id = ?`,
		report.Fingerprint, report.Timestamp.UnixNano(), string(report.Severity),
		report.Source.Service, boolToInt(report.Resolved), string(data), report.ID,
	)
	if err != nil {
		return pipelineerrors.NewStorageWriteError("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pipelineerrors.NewStorageWriteError("update", err)
	}
	if n == 0 {
		return notFound("report", report.ID)
	}
	return nil
}

// PutBatch writes snapshots by id, replacing older versions. A row holding
// the same fingerprint under another id is removed first.
func (s *SQLiteStore) PutBatch(ctx context.Context, reports []*models.ErrorReport) error {
	if len(reports) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipelineerrors.NewStorageWriteError("put_batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range reports {
		data, err := json.Marshal(r)
		if err != nil {
			return pipelineerrors.NewStorageWriteError("put_batch", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM error_reports WHERE fingerprint = ? AND id <> ?`,
			r.Fingerprint, r.ID,
		); err != nil {
			return pipelineerrors.NewStorageWriteError("put_batch", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO error_reports (id, fingerprint, timestamp, severity, service, resolved, report)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				fingerprint = excluded.fingerprint,
				timestamp = excluded.timestamp,
				severity = excluded.severity,
				service = excluded.service,
				resolved = excluded.resolved,
				report = excluded.report`,
			r.ID, r.Fingerprint, r.Timestamp.UnixNano(), string(r.Severity),
			r.Source.Service, boolToInt(r.Resolved), string(data),
		); err != nil {
			return pipelineerrors.NewStorageWriteError("put_batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return pipelineerrors.NewStorageWriteError("put_batch", err)
	}
	return nil
}

// GetByID implements Store.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*models.ErrorReport, error) {
	row := s.db.QueryRowContext(ctx, `SELECT report FROM error_reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("report", id)
	}
	if err != nil {
		return nil, pipelineerrors.NewStorageReadError("get_by_id", err)
	}
	return r, nil
}

// FindByFingerprint implements Store.
func (s *SQLiteStore) FindByFingerprint(ctx context.Context, fingerprint string) (*models.ErrorReport, error) {
	row := s.db.QueryRowContext(ctx, `SELECT report FROM error_reports WHERE fingerprint = ?`, fingerprint)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("fingerprint", fingerprint)
	}
	if err != nil {
		return nil, pipelineerrors.NewStorageReadError("find_by_fingerprint", err)
	}
	return r, nil
}

// Query implements Store. Scalar predicates are pushed into SQL; tags and
// free-text search are evaluated on the decoded documents.
func (s *SQLiteStore) Query(ctx context.Context, filter models.ReportFilter) ([]*models.ErrorReport, error) {
	where, args := buildWhere(filter)
	query := `SELECT report FROM error_reports` + where + ` ORDER BY timestamp DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pipelineerrors.NewStorageReadError("query", err)
	}
	defer func() { _ = rows.Close() }()

	reports := make([]*models.ErrorReport, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, pipelineerrors.NewStorageReadError("query", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, pipelineerrors.NewStorageReadError("query", err)
	}

	return filter.Apply(reports), nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, filter models.ReportFilter) (int, error) {
	if len(filter.Tags) == 0 && filter.Search == "" {
		where, args := buildWhere(filter)
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_reports`+where, args...).Scan(&n); err != nil {
			return 0, pipelineerrors.NewStorageReadError("count", err)
		}
		return n, nil
	}

	filter.Limit = 0
	reports, err := s.Query(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(reports), nil
}

// DeleteBefore implements Store.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM error_reports WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, pipelineerrors.NewPipelineError(pipelineerrors.ErrCodeStorageDeleteFailed,
			"failed to delete expired reports", errors.Join(pipelineerrors.ErrStorageDeleteFailed, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, pipelineerrors.NewStorageReadError("delete_before", err)
	}
	return int(n), nil
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, fingerprint string, create CreateFunc, mutate MutateFunc) (*models.ErrorReport, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, pipelineerrors.NewStorageWriteError("upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanReport(tx.QueryRowContext(ctx,
		`SELECT report FROM error_reports WHERE fingerprint = ?`, fingerprint))

	var (
		result  *models.ErrorReport
		created bool
	)
	switch {
	case err == nil:
		mutate(existing)
		result = existing
	case errors.Is(err, sql.ErrNoRows):
		result = create()
		if result == nil || result.ID == "" {
			return nil, false, pipelineerrors.NewReportValidationError("id", "create returned no report")
		}
		result = result.Clone()
		result.Fingerprint = fingerprint
		created = true
	default:
		return nil, false, pipelineerrors.NewStorageReadError("upsert", err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, false, pipelineerrors.NewStorageWriteError("upsert", err)
	}

	if created {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO error_reports (id, fingerprint, timestamp, severity, service, resolved, report)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			result.ID, fingerprint, result.Timestamp.UnixNano(), string(result.Severity),
			result.Source.Service, boolToInt(result.Resolved), string(data),
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE error_reports SET severity = ?, resolved = ?, report = ? WHERE id = ?`,
			string(result.Severity), boolToInt(result.Resolved), string(data), result.ID,
		)
	}
	if err != nil {
		return nil, false, pipelineerrors.NewStorageWriteError("upsert", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, pipelineerrors.NewStorageWriteError("upsert", err)
	}
	return result.Clone(), created, nil
}

// LoadConfig implements ConfigStore.
func (s *SQLiteStore) LoadConfig(ctx context.Context) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM pipeline_config WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("config", "pipeline")
	}
	if err != nil {
		return nil, pipelineerrors.NewStorageReadError("load_config", err)
	}
	return []byte(data), nil
}

// SaveConfig implements ConfigStore.
func (s *SQLiteStore) SaveConfig(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_config (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), time.Now().UnixNano(),
	)
	if err != nil {
		return pipelineerrors.NewStorageWriteError("save_config", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*models.ErrorReport, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	return models.ReportFromJSON([]byte(data))
}

func buildWhere(filter models.ReportFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	if len(filter.Severities) > 0 {
		clauses = append(clauses, "severity IN ("+placeholders(len(filter.Severities))+")")
		for _, sev := range filter.Severities {
			args = append(args, string(sev))
		}
	}
	if filter.Resolved != nil {
		clauses = append(clauses, "resolved = ?")
		args = append(args, boolToInt(*filter.Resolved))
	}
	if len(filter.Services) > 0 {
		clauses = append(clauses, "service IN ("+placeholders(len(filter.Services))+")")
		for _, svc := range filter.Services {
			args = append(args, svc)
		}
	}
	if filter.Range != nil {
		if !filter.Range.Start.IsZero() {
			clauses = append(clauses, "timestamp >= ?")
			args = append(args, filter.Range.Start.UnixNano())
		}
		if !filter.Range.End.IsZero() {
			clauses = append(clauses, "timestamp <= ?")
			args = append(args, filter.Range.End.UnixNano())
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
