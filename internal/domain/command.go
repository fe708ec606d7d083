package domain

import "time"

// OrderCmdStatus represents the lifecycle state of an OrderCmd.
type OrderCmdStatus string

const (
	OrderCmdPending  OrderCmdStatus = "PENDING"
	OrderCmdRunning  OrderCmdStatus = "RUNNING"
	OrderCmdFinished OrderCmdStatus = "FINISHED"
)

// FinishReason explains why an OrderCmd reached FINISHED.
type FinishReason string

const (
	FinishAllCompleted   FinishReason = "ALL_COMPLETED"
	FinishPartialTimeout FinishReason = "PARTIAL_TIMEOUT"
	FinishCancelled      FinishReason = "CANCELLED"
	FinishError          FinishReason = "ERROR"
)

// OrderCmd is a high-level split-and-retry directive. The executor drives it
// to completion through child orders of at most MaxVolumePerOrder lots each.
//
// Volume is immutable after submission; progress is tracked exclusively via
// FilledVolume. Invariant: FilledVolume <= Volume at all times.
type OrderCmd struct {
	CmdID             string         `json:"cmd_id"`
	Symbol            string         `json:"symbol"`
	Direction         Direction      `json:"direction"`
	Offset            Offset         `json:"offset"`
	Volume            int            `json:"volume"`
	FilledVolume      int            `json:"filled_volume"`
	Price             float64        `json:"price,omitempty"` // 0 means chase the opposite-side best
	MaxVolumePerOrder int            `json:"max_volume_per_order"`
	OrderInterval     time.Duration  `json:"order_interval"`
	TotalTimeout      time.Duration  `json:"total_timeout"`
	OrderTimeout      time.Duration  `json:"order_timeout"`
	Source            string         `json:"source"`
	Status            OrderCmdStatus `json:"status"`
	FinishReason      FinishReason   `json:"finish_reason,omitempty"`
	ErrorMsg          string         `json:"error_msg,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
	OrderIDs          []string       `json:"order_ids,omitempty"`
}

// Remaining returns the lots still to be executed.
func (c *OrderCmd) Remaining() int {
	return c.Volume - c.FilledVolume
}

// IsFinished reports whether the cmd reached the terminal state.
func (c *OrderCmd) IsFinished() bool {
	return c.Status == OrderCmdFinished
}

// Clone returns a deep copy safe to hand across goroutines.
func (c *OrderCmd) Clone() *OrderCmd {
	cp := *c
	cp.OrderIDs = append([]string(nil), c.OrderIDs...)
	return &cp
}
