package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertJob        = `INSERT INTO job_queue(id, transport, payload, attempts, next_retry_at, created_at) VALUES (?, ?, ?, 0, ?, ?)`
	sqlSelectDueJobs    = `SELECT id, transport, payload, attempts, last_error, next_retry_at, created_at FROM job_queue WHERE next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`
	sqlSelectNextJobs   = `SELECT id, transport, payload, attempts, last_error, next_retry_at, created_at FROM job_queue ORDER BY next_retry_at ASC LIMIT ?`
	sqlUpdateJobAttempt = `UPDATE job_queue SET attempts = ?, next_retry_at = ?, last_error = ? WHERE id = ?`
	sqlDeleteJob        = `DELETE FROM job_queue WHERE id = ?`
	sqlCountJobs        = `SELECT COUNT(*) FROM job_queue WHERE transport = ?`
)

func (db *DB) EnqueueJob(job *domain.Job) error {
	if job.Id == uuid.Nil {
		job.Id = uuid.New()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextRetryAt.IsZero() {
		job.NextRetryAt = now
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertJob, job.Id, job.Transport, job.Payload, job.NextRetryAt, job.CreatedAt)
		return err
	})
}

func (db *DB) readJobs(query string, args ...any) ([]domain.Job, error) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var job domain.Job
		var lastErr sql.NullString
		if err := rows.Scan(&job.Id, &job.Transport, &job.Payload, &job.Attempts, &lastErr, &job.NextRetryAt, &job.CreatedAt); err != nil {
			return jobs, err
		}
		job.LastError = lastErr.String
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReadDueJobs returns up to limit jobs whose retry time has passed.
func (db *DB) ReadDueJobs(now time.Time, limit int) ([]domain.Job, error) {
	return db.readJobs(sqlSelectDueJobs, now.UTC(), limit)
}

// ReadNextJobs returns the next limit jobs regardless of due time.
func (db *DB) ReadNextJobs(limit int) ([]domain.Job, error) {
	return db.readJobs(sqlSelectNextJobs, limit)
}

func (db *DB) UpdateJobAttempt(id uuid.UUID, attempts int, nextRetry time.Time, lastErr string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateJobAttempt, attempts, nextRetry.UTC(), lastErr, id)
		return err
	})
}

func (db *DB) DeleteJob(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteJob, id)
		return err
	})
}

func (db *DB) CountJobs(transport string) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountJobs, transport).Scan(&n)
	return n, err
}
