// Package jobs binds configured cron entries to named job methods and owns
// their lifecycle: seeding from config, pause/resume/toggle, and one-shot
// manual triggers.
package jobs

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/domain"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("jobs: job not found")

// Repository persists scheduler entries in the trader database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a job repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "jobs").Logger()}
}

// Upsert inserts a job row or refreshes its configured fields. The stored
// enabled flag and last trigger time survive a re-seed so operator toggles
// outlive restarts.
func (r *Repository) Upsert(job *domain.Job) error {
	_, err := r.db.Exec(`
		INSERT INTO jobs (job_id, job_name, job_group, cron_expression, job_method, enabled, last_trigger_time)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(job_id) DO UPDATE SET
			job_name = excluded.job_name,
			job_group = excluded.job_group,
			cron_expression = excluded.cron_expression,
			job_method = excluded.job_method`,
		job.JobID, job.JobName, job.Group, job.CronExpression,
		job.JobMethod, boolToInt(job.Enabled))
	if err != nil {
		return fmt.Errorf("jobs: upsert %s: %w", job.JobID, err)
	}
	return nil
}

// Get returns one job by id.
func (r *Repository) Get(jobID string) (*domain.Job, error) {
	row := r.db.QueryRow(`
		SELECT job_id, job_name, job_group, cron_expression, job_method, enabled, last_trigger_time
		FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// List returns all jobs ordered by name.
func (r *Repository) List() ([]*domain.Job, error) {
	rows, err := r.db.Query(`
		SELECT job_id, job_name, job_group, cron_expression, job_method, enabled, last_trigger_time
		FROM jobs ORDER BY job_name`)
	if err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("jobs: scan row: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SetEnabled flips the enabled flag.
func (r *Repository) SetEnabled(jobID string, enabled bool) error {
	res, err := r.db.Exec(`UPDATE jobs SET enabled = ? WHERE job_id = ?`, boolToInt(enabled), jobID)
	if err != nil {
		return fmt.Errorf("jobs: set enabled %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTrigger records the moment a job last fired.
func (r *Repository) TouchTrigger(jobID string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE jobs SET last_trigger_time = ? WHERE job_id = ?`, at.Unix(), jobID)
	if err != nil {
		return fmt.Errorf("jobs: touch trigger %s: %w", jobID, err)
	}
	return nil
}

func scanJob(scan func(...any) error) (*domain.Job, error) {
	var job domain.Job
	var enabled int
	var lastTrigger sql.NullInt64
	err := scan(&job.JobID, &job.JobName, &job.Group, &job.CronExpression,
		&job.JobMethod, &enabled, &lastTrigger)
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled != 0
	if lastTrigger.Valid {
		job.LastTriggerTime = time.Unix(lastTrigger.Int64, 0)
	}
	return &job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
