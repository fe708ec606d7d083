// Package params provides the system_params repository: typed key-value rows
// scoped by group, seeded from risk-control defaults at first start.
package params

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/domain"
)

// Well-known parameter groups.
const (
	GroupRisk  = "risk"
	GroupAlert = "alert"
	GroupState = "state"
)

// Risk parameter keys, seeded from config defaults.
const (
	KeyMaxDailyOrders       = "max_daily_orders"
	KeyMaxDailyCancels      = "max_daily_cancels"
	KeyMaxSingleOrderVolume = "max_single_order_volume"
	KeyMaxSplitVolume       = "max_split_volume"
	KeyOrderTimeout         = "order_timeout"
)

// KeyAlertWechat holds the WeChat alert target read/written by the
// update_alert_wechat and get_alert_wechat ops.
const KeyAlertWechat = "alert_wechat"

// ErrNotFound is returned when a parameter key does not exist.
var ErrNotFound = errors.New("params: not found")

// Repository handles system_params database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a system params repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "params").Logger()}
}

// Seed inserts the risk-control defaults and the alert row on first run.
// Existing rows are left untouched so operator edits survive restarts.
func (r *Repository) Seed(risk config.RiskConfig) error {
	seeds := []domain.SystemParam{
		{Key: KeyMaxDailyOrders, Value: strconv.Itoa(risk.MaxDailyOrders), Group: GroupRisk, Description: "max orders per trading day"},
		{Key: KeyMaxDailyCancels, Value: strconv.Itoa(risk.MaxDailyCancels), Group: GroupRisk, Description: "max cancels per trading day"},
		{Key: KeyMaxSingleOrderVolume, Value: strconv.Itoa(risk.MaxSingleOrderVolume), Group: GroupRisk, Description: "max lots per single order"},
		{Key: KeyMaxSplitVolume, Value: strconv.Itoa(risk.MaxSplitVolume), Group: GroupRisk, Description: "max lots per executor slice"},
		{Key: KeyOrderTimeout, Value: strconv.Itoa(risk.OrderTimeoutSeconds), Group: GroupRisk, Description: "per-slice timeout seconds"},
		{Key: KeyAlertWechat, Value: "", Group: GroupAlert, Description: "wechat alert target"},
	}

	query := `
		INSERT INTO system_params (param_key, param_value, param_group, description, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(param_key) DO NOTHING
	`
	now := time.Now().Unix()
	for _, p := range seeds {
		if _, err := r.db.Exec(query, p.Key, p.Value, p.Group, p.Description, now); err != nil {
			return fmt.Errorf("failed to seed system param %s: %w", p.Key, err)
		}
	}
	return nil
}

// Get returns one parameter by key.
func (r *Repository) Get(key string) (*domain.SystemParam, error) {
	row := r.db.QueryRow(`
		SELECT param_key, param_value, param_group, description, updated_at
		FROM system_params WHERE param_key = ?`, key)
	return scanParam(row)
}

// GetString returns a parameter value, or def when the key is absent.
func (r *Repository) GetString(key, def string) string {
	p, err := r.Get(key)
	if err != nil {
		return def
	}
	return p.Value
}

// GetInt returns a parameter value parsed as an integer, or def on any miss.
func (r *Repository) GetInt(key string, def int) int {
	p, err := r.Get(key)
	if err != nil {
		return def
	}
	v, err := strconv.Atoi(p.Value)
	if err != nil {
		return def
	}
	return v
}

// Set upserts one parameter. An empty group on an update keeps the stored
// group.
func (r *Repository) Set(key, value, group, description string) error {
	_, err := r.db.Exec(`
		INSERT INTO system_params (param_key, param_value, param_group, description, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(param_key) DO UPDATE SET
			param_value = excluded.param_value,
			param_group = CASE WHEN excluded.param_group = '' THEN system_params.param_group ELSE excluded.param_group END,
			description = CASE WHEN excluded.description = '' THEN system_params.description ELSE excluded.description END,
			updated_at  = excluded.updated_at`,
		key, value, group, description, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set system param %s: %w", key, err)
	}
	return nil
}

// SetInt upserts an integer parameter.
func (r *Repository) SetInt(key string, value int, group string) error {
	return r.Set(key, strconv.Itoa(value), group, "")
}

// List returns every parameter ordered by group then key.
func (r *Repository) List() ([]*domain.SystemParam, error) {
	rows, err := r.db.Query(`
		SELECT param_key, param_value, param_group, description, updated_at
		FROM system_params ORDER BY param_group, param_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list system params: %w", err)
	}
	defer rows.Close()
	return scanParams(rows)
}

// ListByGroup returns every parameter in one group.
func (r *Repository) ListByGroup(group string) ([]*domain.SystemParam, error) {
	rows, err := r.db.Query(`
		SELECT param_key, param_value, param_group, description, updated_at
		FROM system_params WHERE param_group = ? ORDER BY param_key`, group)
	if err != nil {
		return nil, fmt.Errorf("failed to list system params for group %s: %w", group, err)
	}
	defer rows.Close()
	return scanParams(rows)
}

func scanParam(row *sql.Row) (*domain.SystemParam, error) {
	var p domain.SystemParam
	var updatedAt int64
	err := row.Scan(&p.Key, &p.Value, &p.Group, &p.Description, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan system param: %w", err)
	}
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

func scanParams(rows *sql.Rows) ([]*domain.SystemParam, error) {
	var out []*domain.SystemParam
	for rows.Next() {
		var p domain.SystemParam
		var updatedAt int64
		if err := rows.Scan(&p.Key, &p.Value, &p.Group, &p.Description, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan system param row: %w", err)
		}
		p.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, &p)
	}
	return out, rows.Err()
}
