package alarms

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
)

// Service raises alarms: persist first, then publish on the event bus so the
// IPC layer pushes them to the manager. Persistence failures are swallowed
// after logging; raising an alarm must never take the caller down.
type Service struct {
	accountID string
	repo      *Repository
	engine    *events.Engine
	log       zerolog.Logger
}

// NewService creates an alarm service. repo and engine may each be nil (the
// manager persists but has no trader-side bus; tests often do the inverse).
func NewService(accountID string, repo *Repository, engine *events.Engine, log zerolog.Logger) *Service {
	// this logger must not carry the alarm hook, or Raise would recurse
	return &Service{
		accountID: accountID,
		repo:      repo,
		engine:    engine,
		log:       log.With().Str("component", "alarms").Logger(),
	}
}

// Raise creates, stores, and publishes one alarm.
func (s *Service) Raise(level domain.AlarmLevel, source, message string) *domain.Alarm {
	alarm := &domain.Alarm{
		AlarmID:   uuid.NewString(),
		AccountID: s.accountID,
		Level:     level,
		Source:    source,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if s.repo != nil {
		if err := s.repo.Insert(alarm); err != nil {
			s.log.Warn().Err(err).Str("alarm_id", alarm.AlarmID).Msg("Persisting alarm failed")
		}
	}
	if s.engine != nil {
		s.engine.Emit(events.AlarmUpdate, "alarms", alarm)
	}
	return alarm
}

// Hook returns a zerolog hook that converts every error-level (or worse)
// record written through the hooked logger into an ERROR alarm.
func (s *Service) Hook() zerolog.Hook {
	return logHook{svc: s}
}

type logHook struct {
	svc *Service
}

func (h logHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.ErrorLevel || level >= zerolog.NoLevel {
		return
	}
	h.svc.Raise(domain.AlarmLevelError, "log", message)
}
