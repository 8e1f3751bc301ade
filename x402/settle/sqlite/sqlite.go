// Package sqlite provides a SQLite-backed settlement job store so queued
// jobs survive a facilitator restart. It uses the pure Go driver, no CGO.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/nacorid/x402-facilitator/x402"
	"github.com/nacorid/x402-facilitator/x402/settle"
)

// Store implements settle.Store on a SQLite database.
type Store struct {
	db *sql.DB
}

var _ settle.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS settlement_jobs (
	id              TEXT PRIMARY KEY,
	payload         TEXT NOT NULL,
	requirements    TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	result          TEXT,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlement_jobs_due
	ON settlement_jobs (state, next_attempt_at);
`

// New opens (creating if needed) the job database at dbPath.
// Use ":memory:" for an ephemeral database in tests.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// The pure Go driver serializes across connections poorly; a single
	// connection avoids SQLITE_BUSY under worker concurrency.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put implements settle.Store.
func (s *Store) Put(ctx context.Context, job settle.Job) error {
	payload, requirements, result, err := marshalJob(job)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_jobs
			(id, payload, requirements, attempts, state, next_attempt_at, result, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, payload, requirements, job.Attempts, string(job.State),
		job.NextAttemptAt.UnixNano(), result, job.LastError,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimDue implements settle.Store. The select and the state transition run
// in one transaction so no job can be claimed twice.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]settle.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload, requirements, attempts, state, next_attempt_at, result, last_error, created_at, updated_at
		FROM settlement_jobs
		WHERE state = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at, id
		LIMIT ?`,
		string(settle.JobPending), now.UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting due jobs: %w", err)
	}

	var due []settle.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due jobs: %w", err)
	}

	for i := range due {
		due[i].State = settle.JobRunning
		due[i].UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE settlement_jobs SET state = ?, updated_at = ? WHERE id = ?`,
			string(settle.JobRunning), now.UnixNano(), due[i].ID,
		); err != nil {
			return nil, fmt.Errorf("claiming job %s: %w", due[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return due, nil
}

// Update implements settle.Store.
func (s *Store) Update(ctx context.Context, job settle.Job) error {
	payload, requirements, result, err := marshalJob(job)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement_jobs
		SET payload = ?, requirements = ?, attempts = ?, state = ?, next_attempt_at = ?,
			result = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		payload, requirements, job.Attempts, string(job.State),
		job.NextAttemptAt.UnixNano(), result, job.LastError,
		job.UpdatedAt.UnixNano(), job.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	if affected == 0 {
		return settle.ErrJobNotFound
	}
	return nil
}

// Get implements settle.Store.
func (s *Store) Get(ctx context.Context, id string) (settle.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payload, requirements, attempts, state, next_attempt_at, result, last_error, created_at, updated_at
		FROM settlement_jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return settle.Job{}, settle.ErrJobNotFound
	}
	if err != nil {
		return settle.Job{}, err
	}
	return job, nil
}

// ResetRunning implements settle.Store.
func (s *Store) ResetRunning(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE settlement_jobs SET state = ? WHERE state = ?`,
		string(settle.JobPending), string(settle.JobRunning),
	)
	if err != nil {
		return fmt.Errorf("resetting running jobs: %w", err)
	}
	return nil
}

// CountByState implements settle.Store.
func (s *Store) CountByState(ctx context.Context) (map[settle.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM settlement_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[settle.JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scanning job counts: %w", err)
		}
		counts[settle.JobState(state)] = count
	}
	return counts, rows.Err()
}

func marshalJob(job settle.Job) (payload, requirements string, result sql.NullString, err error) {
	payloadBytes, err := json.Marshal(job.Payload)
	if err != nil {
		return "", "", result, fmt.Errorf("marshaling payload for job %s: %w", job.ID, err)
	}
	requirementsBytes, err := json.Marshal(job.Requirements)
	if err != nil {
		return "", "", result, fmt.Errorf("marshaling requirements for job %s: %w", job.ID, err)
	}
	if job.Result != nil {
		resultBytes, err := json.Marshal(job.Result)
		if err != nil {
			return "", "", result, fmt.Errorf("marshaling result for job %s: %w", job.ID, err)
		}
		result = sql.NullString{String: string(resultBytes), Valid: true}
	}
	return string(payloadBytes), string(requirementsBytes), result, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (settle.Job, error) {
	var job settle.Job
	var payload, requirements, state, lastError string
	var result sql.NullString
	var nextAttemptAt, createdAt, updatedAt int64

	err := row.Scan(&job.ID, &payload, &requirements, &job.Attempts, &state,
		&nextAttemptAt, &result, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return settle.Job{}, err
	}

	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return settle.Job{}, fmt.Errorf("unmarshaling payload for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(requirements), &job.Requirements); err != nil {
		return settle.Job{}, fmt.Errorf("unmarshaling requirements for job %s: %w", job.ID, err)
	}
	if result.Valid {
		var settled x402.SettleResponse
		if err := json.Unmarshal([]byte(result.String), &settled); err != nil {
			return settle.Job{}, fmt.Errorf("unmarshaling result for job %s: %w", job.ID, err)
		}
		job.Result = &settled
	}

	job.State = settle.JobState(state)
	job.LastError = lastError
	job.NextAttemptAt = time.Unix(0, nextAttemptAt)
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)
	return job, nil
}
