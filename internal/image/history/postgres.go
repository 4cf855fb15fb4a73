package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/opencode/sandbox/internal/common/database"
	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/ids"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// PostgresRepository persists build records through the shared pgx pool.
type PostgresRepository struct {
	db *database.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository initializes the schema on the given pool.
func NewPostgresRepository(ctx context.Context, db *database.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS build_history (
		id TEXT PRIMARY KEY,
		repository TEXT NOT NULL,
		branch TEXT NOT NULL,
		status TEXT NOT NULL,
		image_id TEXT NOT NULL DEFAULT '',
		image_tag TEXT NOT NULL DEFAULT '',
		digest TEXT NOT NULL DEFAULT '',
		commit_sha TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		tests_passed BOOLEAN,
		queued_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_build_history_repository ON build_history(repository);
	CREATE INDEX IF NOT EXISTS idx_build_history_queued_at ON build_history(queued_at);
	`

	_, err := r.db.Exec(ctx, schema)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (r *PostgresRepository) Close() error {
	return nil
}

// Append inserts a finished build record.
func (r *PostgresRepository) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = ids.New("bh")
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO build_history (id, repository, branch, status, image_id, image_tag, digest, commit_sha, error, tests_passed, queued_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.ID, rec.Repository, rec.Branch, string(rec.Status), rec.ImageID, rec.ImageTag, rec.Digest, rec.Commit, rec.Error, rec.TestsPassed, rec.QueuedAt, rec.StartedAt, rec.FinishedAt)

	return err
}

// Get retrieves a build record by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, repository, branch, status, image_id, image_tag, digest, commit_sha, error, tests_passed, queued_at, started_at, finished_at
		FROM build_history WHERE id = $1
	`, id)

	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("build record", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records newest first, optionally filtered by repository.
func (r *PostgresRepository) List(ctx context.Context, repository string, limit int) ([]*Record, error) {
	query := `
		SELECT id, repository, branch, status, image_id, image_tag, digest, commit_sha, error, tests_passed, queued_at, started_at, finished_at
		FROM build_history`
	args := []interface{}{}
	if repository != "" {
		query += " WHERE repository = $1"
		args = append(args, repository)
	}
	query += " ORDER BY queued_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPgRecord(row pgx.Row) (*Record, error) {
	rec := &Record{}
	var status string

	err := row.Scan(&rec.ID, &rec.Repository, &rec.Branch, &status, &rec.ImageID, &rec.ImageTag,
		&rec.Digest, &rec.Commit, &rec.Error, &rec.TestsPassed, &rec.QueuedAt, &rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = v1.BuildStatus(status)
	return rec, nil
}
