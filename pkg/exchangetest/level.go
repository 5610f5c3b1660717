// pkg/exchangetest/level.go
package exchangetest

import (
	"log/slog"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/twinfer/coap-exchange-harness/pkg/exchange"
)

// Verbosity used while re-checking stores after a failed wait. LevelFinest
// adds the per-exchange lines of a store dump.
const (
	LevelFinest = exchange.LevelTrace
	LevelFiner  = slog.LevelDebug
)

// LevelController reads and changes the minimum level of a logger.
type LevelController interface {
	Level() slog.Level
	Set(level slog.Level)
}

var (
	_ LevelController = (*slog.LevelVar)(nil)
	_ LevelController = LogrusLevel{}
)

// LogrusLevel controls the level of a logrus logger.
type LogrusLevel struct {
	Logger *logrus.Logger
}

func (l LogrusLevel) Level() slog.Level {
	switch l.Logger.GetLevel() {
	case logrus.TraceLevel:
		return LevelFinest
	case logrus.DebugLevel:
		return slog.LevelDebug
	case logrus.InfoLevel:
		return slog.LevelInfo
	case logrus.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (l LogrusLevel) Set(level slog.Level) {
	switch {
	case level <= LevelFinest:
		l.Logger.SetLevel(logrus.TraceLevel)
	case level <= slog.LevelDebug:
		l.Logger.SetLevel(logrus.DebugLevel)
	case level <= slog.LevelInfo:
		l.Logger.SetLevel(logrus.InfoLevel)
	case level <= slog.LevelWarn:
		l.Logger.SetLevel(logrus.WarnLevel)
	default:
		l.Logger.SetLevel(logrus.ErrorLevel)
	}
}

// LevelScope holds a captured level until released.
//
//	scope := AcquireLevel(ctl)
//	defer scope.Release()
//	scope.Elevate(LevelFiner)
type LevelScope struct {
	ctl      LevelController
	saved    slog.Level
	released bool
	mu       sync.Mutex
}

// AcquireLevel captures the current level of ctl. A nil ctl yields a scope
// that does nothing.
func AcquireLevel(ctl LevelController) *LevelScope {
	s := &LevelScope{ctl: ctl}
	if ctl != nil {
		s.saved = ctl.Level()
	}
	return s
}

// Elevate lowers the minimum level to level, so more is logged. It never
// makes the logger quieter than it was when acquired, and has no effect
// after Release.
func (s *LevelScope) Elevate(level slog.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctl == nil || s.released || level >= s.saved {
		return
	}
	s.ctl.Set(level)
}

// Release restores the captured level. Only the first call has an effect.
func (s *LevelScope) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	if s.ctl != nil {
		s.ctl.Set(s.saved)
	}
}

// Saved returns the level captured at acquisition.
func (s *LevelScope) Saved() slog.Level {
	return s.saved
}
