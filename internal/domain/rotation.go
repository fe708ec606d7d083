package domain

import "time"

// InstructionStatus represents the lifecycle state of a rotation instruction.
type InstructionStatus string

const (
	InstructionPending   InstructionStatus = "PENDING"
	InstructionRunning   InstructionStatus = "RUNNING"
	InstructionCompleted InstructionStatus = "COMPLETED"
	InstructionFailed    InstructionStatus = "FAILED"
)

// RotationInstruction is a persisted row from CSV ingest that drives an
// OrderCmd on its order time.
//
// Invariants: RemainingVolume = Volume - FilledVolume after every update;
// COMPLETED if and only if RemainingVolume == 0. Rows are soft-deleted only.
type RotationInstruction struct {
	ID                int64             `json:"id"`
	AccountID         string            `json:"account_id"`
	StrategyID        string            `json:"strategy_id"`
	Symbol            string            `json:"symbol"`
	Direction         Direction         `json:"direction"`
	Offset            Offset            `json:"offset"`
	Volume            int               `json:"volume"`
	FilledVolume      int               `json:"filled_volume"`
	Price             float64           `json:"price"`
	OrderTime         string            `json:"order_time"` // HH:MM:SS, empty means immediately
	TradingDate       string            `json:"trading_date"`
	Enabled           bool              `json:"enabled"`
	Status            InstructionStatus `json:"status"`
	AttemptCount      int               `json:"attempt_count"`
	RemainingAttempts int               `json:"remaining_attempts"`
	RemainingVolume   int               `json:"remaining_volume"`
	CurrentCmdID      string            `json:"current_cmd_id"`
	LastAttemptTime   time.Time         `json:"last_attempt_time"`
	ErrorMessage      string            `json:"error_message"`
	Source            string            `json:"source"`
	IsDeleted         bool              `json:"is_deleted"`
}

// ImportRecord summarizes one CSV import into the instruction table.
type ImportRecord struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	TradingDate string    `json:"trading_date"`
	Mode        string    `json:"mode"` // append or replace
	RowsTotal   int       `json:"rows_total"`
	RowsValid   int       `json:"rows_valid"`
	ImportedAt  time.Time `json:"imported_at"`
}
