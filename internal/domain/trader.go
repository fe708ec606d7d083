package domain

import "time"

// TraderState represents the manager-side lifecycle state of one trader
// subprocess.
type TraderState string

const (
	TraderStopped  TraderState = "STOPPED"
	TraderStarting TraderState = "STARTING"
	TraderRunning  TraderState = "RUNNING"
	TraderDegraded TraderState = "DEGRADED"
	TraderStopping TraderState = "STOPPING"
)

// TraderInfo is the API-facing snapshot of one TraderProxy.
type TraderInfo struct {
	AccountID     string      `json:"account_id"`
	State         TraderState `json:"state"`
	PID           int         `json:"pid"`
	StartTime     time.Time   `json:"start_time"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RestartCount  int         `json:"restart_count"`
	SocketPath    string      `json:"socket_path"`
	Enabled       bool        `json:"enabled"`
}

// RegisterData is the payload of the register push, the first frame a trader
// sends on every accepted connection. Clients verify AccountID and abort on
// mismatch.
type RegisterData struct {
	AccountID string `json:"account_id"`
	PID       int    `json:"pid"`
	Version   string `json:"version"`
}
