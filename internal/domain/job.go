package domain

import "time"

// Job is a scheduler entry binding a cron expression to a named job method.
// Stateless between fires.
type Job struct {
	JobID           string    `json:"job_id"`
	JobName         string    `json:"job_name"`
	Group           string    `json:"group"`
	CronExpression  string    `json:"cron_expression"`
	JobMethod       string    `json:"job_method"`
	Enabled         bool      `json:"enabled"`
	LastTriggerTime time.Time `json:"last_trigger_time"`
}

// AlarmLevel classifies alarm severity.
type AlarmLevel string

const (
	AlarmLevelWarning AlarmLevel = "WARNING"
	AlarmLevelError   AlarmLevel = "ERROR"
)

// Alarm is raised for every error-level log record and for specific health
// signals (missing rotation import, unconnected gateway at pre-market). The
// manager persists alarms and broadcasts them on the WebSocket.
type Alarm struct {
	AlarmID   string     `json:"alarm_id"`
	AccountID string     `json:"account_id"`
	Level     AlarmLevel `json:"level"`
	Source    string     `json:"source"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// SystemParam is a typed key-value row scoped by group. Risk-control
// defaults are seeded into this table at first start.
type SystemParam struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Group       string    `json:"group"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}
