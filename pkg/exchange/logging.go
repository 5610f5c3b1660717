package exchange

import (
	"context"
	"log/slog"
	"os"

	"github.com/redpanda-data/benthos/v4/public/service"
)

// LevelTrace is the level of per-exchange dump lines, one step below debug.
// service.Logger has no level under debug, so these lines go through slog.
const LevelTrace = slog.LevelDebug - 4

// DumpLevel controls the verbosity of DefaultLogger and DefaultTraceLogger.
// It starts at Info, so store dumps are silent until it is lowered.
var DumpLevel = new(slog.LevelVar)

func defaultHandler() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: DumpLevel})
}

// DefaultLogger returns a text logger on stderr filtered by DumpLevel.
func DefaultLogger() *service.Logger {
	return service.NewLoggerFromSlog(slog.New(defaultHandler()))
}

// DefaultTraceLogger returns the stderr logger used for LevelTrace output,
// filtered by DumpLevel.
func DefaultTraceLogger() *slog.Logger {
	return slog.New(defaultHandler())
}

func (s *InMemoryStore) tracef(msg string, ex *Exchange) {
	s.trace.Log(context.Background(), LevelTrace, msg, "exchange", ex.String())
}
