package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/ipc"
	"github.com/qtrader/qtrader/internal/manager"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeOpError maps a delegation failure to a status: remote handler errors
// are the caller's problem, transport errors mean the trader is unreachable.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	var remote *ipc.RemoteError
	switch {
	case errors.Is(err, manager.ErrUnknownAccount):
		s.writeError(w, http.StatusNotFound, err)
	case errors.As(err, &remote):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ipc.ErrNotConnected), errors.Is(err, ipc.ErrDisconnected):
		s.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, ipc.ErrTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "qtrader",
	})
}

func (s *Server) handleListTraders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Traders())
}

func (s *Server) handleStartTrader(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := s.backend.StartTrader(accountID); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"account_id": accountID, "action": "start"})
}

func (s *Server) handleStopTrader(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := s.backend.StopTrader(accountID); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"account_id": accountID, "action": "stop"})
}

func (s *Server) handleRestartTrader(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := s.backend.RestartTrader(accountID); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"account_id": accountID, "action": "restart"})
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alarms, err := s.backend.Alarms(r.URL.Query().Get("account_id"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if alarms == nil {
		alarms = []*domain.Alarm{}
	}
	s.writeJSON(w, http.StatusOK, alarms)
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		stats["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		stats["mem_percent"] = memStat.UsedPercent
		stats["mem_total_bytes"] = memStat.Total
		stats["mem_used_bytes"] = memStat.Used
	}
	if diskStat, err := disk.Usage("/"); err == nil {
		stats["disk_percent"] = diskStat.UsedPercent
		stats["disk_free_bytes"] = diskStat.Free
	}
	if uptime, err := host.Uptime(); err == nil {
		stats["host_uptime_seconds"] = uptime
	}
	s.writeJSON(w, http.StatusOK, stats)
}
