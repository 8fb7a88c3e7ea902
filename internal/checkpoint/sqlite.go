package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"workseg/internal/bucket"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		high_water INTEGER NOT NULL DEFAULT 0,
		cancelled INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS buckets (
		job_id TEXT NOT NULL REFERENCES jobs(job_id),
		seq INTEGER NOT NULL,
		boundary TEXT NOT NULL,
		state TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		retries INTEGER NOT NULL DEFAULT 0,
		delegated_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (job_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_buckets_state ON buckets(job_id, state);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// CreateJob stores a new job and its static buckets in one transaction.
func (s *SQLiteStore) CreateJob(ctx context.Context, job JobRecord, buckets []bucket.Bucket) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_id = ?`, job.JobID).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%s: %w", job.JobID, ErrJobExists)
			}

			_, err := tx.ExecContext(ctx,
				`INSERT INTO jobs (job_id, kind, high_water, cancelled, updated_at) VALUES (?, ?, ?, ?, ?)`,
				job.JobID, string(job.Kind), job.HighWater, job.Cancelled, time.Now())
			if err != nil {
				return fmt.Errorf("failed to insert job: %w", err)
			}

			for _, b := range buckets {
				if err := insertBucket(ctx, tx, job.JobID, b); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// LoadJob reads a job and all of its buckets.
func (s *SQLiteStore) LoadJob(ctx context.Context, jobID string) (JobRecord, []bucket.Bucket, error) {
	if err := s.checkOpen(); err != nil {
		return JobRecord{}, nil, err
	}

	var job JobRecord
	var buckets []bucket.Bucket
	err := s.retryOnBusy(func() error {
		var err error
		job, buckets, err = s.loadJobInternal(ctx, jobID)
		return err
	})
	return job, buckets, err
}

// GetJob reads the job row without its buckets.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (JobRecord, error) {
	if err := s.checkOpen(); err != nil {
		return JobRecord{}, err
	}

	var job JobRecord
	err := s.retryOnBusy(func() error {
		var err error
		job, err = s.getJobInternal(ctx, jobID)
		return err
	})
	return job, err
}

func (s *SQLiteStore) getJobInternal(ctx context.Context, jobID string) (JobRecord, error) {
	job := JobRecord{JobID: jobID}
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, high_water, cancelled FROM jobs WHERE job_id = ?`, jobID,
	).Scan(&kind, &job.HighWater, &job.Cancelled)
	if err == sql.ErrNoRows {
		return JobRecord{}, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return JobRecord{}, err
	}
	job.Kind = bucket.Kind(kind)
	return job, nil
}

func (s *SQLiteStore) loadJobInternal(ctx context.Context, jobID string) (JobRecord, []bucket.Bucket, error) {
	job, err := s.getJobInternal(ctx, jobID)
	if err != nil {
		return JobRecord{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT seq, boundary, state, owner, retries, delegated_at, last_error
	FROM buckets WHERE job_id = ?
	ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return JobRecord{}, nil, err
	}
	defer rows.Close()

	var buckets []bucket.Bucket
	for rows.Next() {
		var rec BucketRecord
		var boundary string
		var lastError sql.NullString

		err := rows.Scan(
			&rec.Seq,
			&boundary,
			&rec.State,
			&rec.Owner,
			&rec.Retries,
			&rec.DelegatedAt,
			&lastError,
		)
		if err != nil {
			return JobRecord{}, nil, err
		}

		rec.Boundary = []byte(boundary)
		if lastError.Valid {
			rec.LastError = lastError.String
		}

		b, err := rec.Bucket()
		if err != nil {
			return JobRecord{}, nil, err
		}
		buckets = append(buckets, b)
	}

	return job, buckets, rows.Err()
}

// AppendBucket stores a dynamically generated bucket and advances the job's
// high-water mark in one transaction.
func (s *SQLiteStore) AppendBucket(ctx context.Context, jobID string, b bucket.Bucket, highWater int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE jobs SET high_water = ?, updated_at = ? WHERE job_id = ?`,
				highWater, time.Now(), jobID)
			if err != nil {
				return fmt.Errorf("failed to update high water: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
			}
			return insertBucket(ctx, tx, jobID, b)
		})
	})
}

// UpdateBucket applies next only if the stored row still matches prev.
func (s *SQLiteStore) UpdateBucket(ctx context.Context, jobID string, prev, next bucket.Bucket) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	rec, err := NewRecord(next)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
		UPDATE buckets SET
			state = ?, owner = ?, retries = ?, delegated_at = ?, last_error = ?, updated_at = ?
		WHERE job_id = ? AND seq = ? AND state = ? AND owner = ? AND retries = ?
		`,
			rec.State, rec.Owner, rec.Retries, rec.DelegatedAt, rec.LastError, rec.UpdatedAt,
			jobID, next.SequentialNumber, prev.State, prev.Owner, prev.Retries,
		)
		if err != nil {
			return fmt.Errorf("failed to update bucket: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM buckets WHERE job_id = ? AND seq = ?`, jobID, next.SequentialNumber,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("bucket %d: %w", next.SequentialNumber, bucket.ErrUnknownBucket)
		}
		return fmt.Errorf("bucket %d: %w", next.SequentialNumber, ErrConflict)
	})
}

// MarkCancelled records the job-level cancellation flag.
func (s *SQLiteStore) MarkCancelled(ctx context.Context, jobID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET cancelled = 1, updated_at = ? WHERE job_id = ?`, time.Now(), jobID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
		}
		return nil
	})
}

func insertBucket(ctx context.Context, tx *sql.Tx, jobID string, b bucket.Bucket) error {
	rec, err := NewRecord(b)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO buckets
	(job_id, seq, boundary, state, owner, retries, delegated_at, last_error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		jobID,
		rec.Seq,
		string(rec.Boundary),
		rec.State,
		rec.Owner,
		rec.Retries,
		rec.DelegatedAt,
		rec.LastError,
		rec.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("bucket %d: %w", b.SequentialNumber, bucket.ErrDuplicateBucket)
		}
		return fmt.Errorf("failed to insert bucket %d: %w", b.SequentialNumber, err)
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		// Wait with exponential backoff + jitter
		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil || errors.Is(err, ErrConflict) {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
