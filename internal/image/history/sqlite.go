package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/ids"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// SQLiteRepository persists build records in a local SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (or creates) the history database at dbPath.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS build_history (
		id TEXT PRIMARY KEY,
		repository TEXT NOT NULL,
		branch TEXT NOT NULL,
		status TEXT NOT NULL,
		image_id TEXT DEFAULT '',
		image_tag TEXT DEFAULT '',
		digest TEXT DEFAULT '',
		commit_sha TEXT DEFAULT '',
		error TEXT DEFAULT '',
		tests_passed BOOLEAN,
		queued_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_build_history_repository ON build_history(repository);
	CREATE INDEX IF NOT EXISTS idx_build_history_queued_at ON build_history(queued_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Append inserts a finished build record.
func (r *SQLiteRepository) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = ids.New("bh")
	}

	var testsPassed sql.NullBool
	if rec.TestsPassed != nil {
		testsPassed = sql.NullBool{Bool: *rec.TestsPassed, Valid: true}
	}
	var startedAt, finishedAt sql.NullTime
	if rec.StartedAt != nil {
		startedAt = sql.NullTime{Time: *rec.StartedAt, Valid: true}
	}
	if rec.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *rec.FinishedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO build_history (id, repository, branch, status, image_id, image_tag, digest, commit_sha, error, tests_passed, queued_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Repository, rec.Branch, string(rec.Status), rec.ImageID, rec.ImageTag, rec.Digest, rec.Commit, rec.Error, testsPassed, rec.QueuedAt, startedAt, finishedAt)

	return err
}

// Get retrieves a build record by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, repository, branch, status, image_id, image_tag, digest, commit_sha, error, tests_passed, queued_at, started_at, finished_at
		FROM build_history WHERE id = ?
	`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("build record", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records newest first, optionally filtered by repository.
func (r *SQLiteRepository) List(ctx context.Context, repository string, limit int) ([]*Record, error) {
	query := `
		SELECT id, repository, branch, status, image_id, image_tag, digest, commit_sha, error, tests_passed, queued_at, started_at, finished_at
		FROM build_history`
	args := []interface{}{}
	if repository != "" {
		query += " WHERE repository = ?"
		args = append(args, repository)
	}
	query += " ORDER BY queued_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var status string
	var testsPassed sql.NullBool
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.Repository, &rec.Branch, &status, &rec.ImageID, &rec.ImageTag,
		&rec.Digest, &rec.Commit, &rec.Error, &testsPassed, &rec.QueuedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = v1.BuildStatus(status)
	if testsPassed.Valid {
		rec.TestsPassed = &testsPassed.Bool
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}
