package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/georgeshao/mail-dam/internal/storage"
	"github.com/georgeshao/mail-dam/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 100

const templateColumns = `id, name, description, subject, body, format, variables, created_at, updated_at`

const runColumns = `id, template_id, status, total, sent, failed, error, created_at, completed_at`

type SQLiteStore struct {
	db *sql.DB
}

func New(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateTemplate(ctx context.Context, tpl *storage.TemplateRecord) error {
	vars, err := marshalVariables(tpl.Variables)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.Name, tpl.Description, tpl.Subject, tpl.Body, string(tpl.Format), vars,
		tpl.CreatedAt.UnixNano(), tpl.UpdatedAt.UnixNano(),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("failed to create template %q: %w", tpl.Name, storage.ErrDuplicateName)
	}
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*storage.TemplateRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return tpl, nil
}

func (s *SQLiteStore) GetTemplateByName(ctx context.Context, name string) (*storage.TemplateRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = ?`, name)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return tpl, nil
}

func (s *SQLiteStore) UpdateTemplate(ctx context.Context, tpl *storage.TemplateRecord) error {
	vars, err := marshalVariables(tpl.Variables)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET description = ?, subject = ?, body = ?, format = ?, variables = ?, updated_at = ? WHERE id = ?`,
		tpl.Description, tpl.Subject, tpl.Body, string(tpl.Format), vars, tpl.UpdatedAt.UnixNano(), tpl.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM results WHERE run_id IN (SELECT id FROM runs WHERE template_id = ?)`, id); err != nil {
		return 0, fmt.Errorf("failed to delete results: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE template_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	deletedRuns, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to delete template: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return int(deletedRuns), nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*storage.TemplateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var records []*storage.TemplateRecord
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		records = append(records, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) GetTemplateStats(ctx context.Context, id string) (*types.TemplateStats, error) {
	var stats types.TemplateStats
	var sending, succeeded, failed, cancelled sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'sending' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END)
		FROM runs WHERE template_id = ?`, id,
	).Scan(&stats.TotalRuns, &sending, &succeeded, &failed, &cancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to get template stats: %w", err)
	}

	stats.Sending = int(sending.Int64)
	stats.Succeeded = int(succeeded.Int64)
	stats.Failed = int(failed.Int64)
	stats.Cancelled = int(cancelled.Int64)
	return &stats, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *storage.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TemplateID, string(run.Status), run.Total, run.Sent, run.Failed,
		toNullString(run.Error), run.CreatedAt.UnixNano(), toNullTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs in creation order. The total ignores the cursor and
// the limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*storage.RunRecord, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var where []string
	var args []any
	if filter.TemplateID != nil {
		where = append(where, "template_id = ?")
		args = append(args, *filter.TemplateID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	if filter.Cursor != nil {
		ts := filter.Cursor.UnixNano()
		if filter.CursorID != "" {
			where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
			args = append(args, ts, ts, filter.CursorID)
		} else {
			where = append(where, "created_at > ?")
			args = append(args, ts)
		}
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+clause+` ORDER BY created_at ASC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var records []*storage.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}

	return records, total, nil
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, id string, sent, failed int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET sent = ?, failed = ? WHERE id = ?`, sent, failed, id)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status types.RunStatus, errMsg *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), toNullString(errMsg), time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) AppendResults(ctx context.Context, runID string, results []*storage.ResultRecord) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO results (run_id, seq, email, success, error, message_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare result insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx, runID, r.Seq, r.Email, r.Success,
			toNullString(r.Error), toNullString(r.MessageID), r.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]*storage.ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, email, success, error, message_id, created_at FROM results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var records []*storage.ResultRecord
	for rows.Next() {
		var r storage.ResultRecord
		var errMsg, messageID sql.NullString
		var createdAt int64
		if err := rows.Scan(&r.RunID, &r.Seq, &r.Email, &r.Success, &errMsg, &messageID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Error = fromNullString(errMsg)
		r.MessageID = fromNullString(messageID)
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row scanner) (*storage.TemplateRecord, error) {
	var tpl storage.TemplateRecord
	var format string
	var vars sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&tpl.ID, &tpl.Name, &tpl.Description, &tpl.Subject, &tpl.Body,
		&format, &vars, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	tpl.Format = types.TemplateFormat(format)
	tpl.CreatedAt = time.Unix(0, createdAt).UTC()
	tpl.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &tpl.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}
	return &tpl, nil
}

func scanRun(row scanner) (*storage.RunRecord, error) {
	var run storage.RunRecord
	var status string
	var errMsg sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(&run.ID, &run.TemplateID, &status, &run.Total, &run.Sent, &run.Failed,
		&errMsg, &createdAt, &completedAt); err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	run.Error = fromNullString(errMsg)
	run.CreatedAt = time.Unix(0, createdAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		run.CompletedAt = &t
	}
	return &run, nil
}

func marshalVariables(vars map[string]string) (sql.NullString, error) {
	if len(vars) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal variables: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func toNullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
