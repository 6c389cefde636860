// Package metadata is the durable record store for processing attempts.
// Plain SQL through pgx, no ORM. The (job_id, processing_ts) primary key
// enforces attempt uniqueness; writers never update or delete rows.
package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no record exists for the requested key.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a second write to an existing
	// (job_id, processing_ts) key carries different content. This is a
	// logic error upstream and must never overwrite the stored row.
	ErrConflict = errors.New("conflicting record for existing key")
)

// DBTX is the query surface the store needs. Satisfied by *pgxpool.Pool and
// pgx.Tx, and easy to fake in tests.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `job_id, processing_ts, status, reason, bucket, object_key, size_bytes, extracted`

// Store reads and appends processing records.
type Store struct {
	db DBTX
}

// NewStore constructs a Store on the given connection surface.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// NewPool opens a pgx connection pool for the given DSN.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return pool, nil
}

// Append writes one processing record. Re-inserting an identical record is
// an idempotent no-op; inserting different content under an existing key
// returns ErrConflict.
func (s *Store) Append(ctx context.Context, rec Record) error {
	extracted := rec.Extracted
	if extracted == nil {
		extracted = map[string]string{}
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO job_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, processing_ts) DO NOTHING`,
		rec.JobID, rec.ProcessingTS, string(rec.Status), rec.Reason,
		rec.Bucket, rec.ObjectKey, rec.SizeBytes, extracted,
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	existing, err := s.get(ctx, rec.JobID, rec.ProcessingTS)
	if err != nil {
		return fmt.Errorf("read back conflicting record: %w", err)
	}
	if !equalContent(*existing, rec) {
		return fmt.Errorf("%w: job %s at %s", ErrConflict, rec.JobID, rec.ProcessingTS.Format("2006-01-02T15:04:05.000Z07:00"))
	}
	return nil
}

// LatestTerminal returns the most recent Valid or Invalid record for the
// job, or ErrNotFound when the job has no terminal outcome yet.
func (s *Store) LatestTerminal(ctx context.Context, jobID string) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM job_records
		WHERE job_id = $1 AND status IN ($2, $3)
		ORDER BY processing_ts DESC
		LIMIT 1`,
		jobID, string(StatusValid), string(StatusInvalid),
	)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query latest terminal record: %w", err)
	}
	return rec, nil
}

// History returns every record for the job ordered by processing timestamp,
// oldest first. An empty history is not an error.
func (s *Store) History(ctx context.Context, jobID string) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM job_records
		WHERE job_id = $1
		ORDER BY processing_ts ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query record history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record history: %w", err)
	}
	return records, nil
}

// InvalidAttempts counts prior Invalid records for the job. The quarantine
// retry count is derived from this, so it grows per attempt rather than per
// duplicate dispatch.
func (s *Store) InvalidAttempts(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_records
		WHERE job_id = $1 AND status = $2`,
		jobID, string(StatusInvalid),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count invalid attempts: %w", err)
	}
	return n, nil
}

func (s *Store) get(ctx context.Context, jobID string, ts any) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM job_records
		WHERE job_id = $1 AND processing_ts = $2`,
		jobID, ts,
	)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (*Record, error) {
	rec := &Record{}
	var status string
	err := row.Scan(
		&rec.JobID, &rec.ProcessingTS, &status, &rec.Reason,
		&rec.Bucket, &rec.ObjectKey, &rec.SizeBytes, &rec.Extracted,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	return rec, nil
}
