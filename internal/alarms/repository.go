// Package alarms persists and raises alarms. Inside a trader every
// error-level log record becomes an alarm via the zerolog hook; the manager
// stores the fan-in of all trader alarm pushes.
package alarms

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/domain"
)

// Repository handles alarm rows. The same schema exists in both the trader
// and the manager databases.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an alarm repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "alarms").Logger()}
}

// Insert stores one alarm. Duplicate alarm ids are ignored so a re-delivered
// push does not fail.
func (r *Repository) Insert(alarm *domain.Alarm) error {
	_, err := r.db.Exec(`
		INSERT INTO alarms (alarm_id, account_id, level, source, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(alarm_id) DO NOTHING`,
		alarm.AlarmID, alarm.AccountID, string(alarm.Level),
		alarm.Source, alarm.Message, alarm.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("alarms: insert %s: %w", alarm.AlarmID, err)
	}
	return nil
}

// List returns alarms newest first, optionally filtered by account.
func (r *Repository) List(accountID string, limit int) ([]*domain.Alarm, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT alarm_id, account_id, level, source, message, created_at
		FROM alarms`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at DESC, alarm_id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("alarms: list: %w", err)
	}
	defer rows.Close()

	var out []*domain.Alarm
	for rows.Next() {
		var a domain.Alarm
		var level string
		var createdAt int64
		if err := rows.Scan(&a.AlarmID, &a.AccountID, &level, &a.Source, &a.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("alarms: scan row: %w", err)
		}
		a.Level = domain.AlarmLevel(level)
		a.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes alarms created before the cutoff and returns the
// number of rows deleted. The cleanup_old_alarms job runs this with a
// three-day cutoff.
func (r *Repository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM alarms WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("alarms: delete old rows: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Old alarms removed")
	}
	return n, nil
}
