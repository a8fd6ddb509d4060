package session

import (
	"context"
	"log/slog"

	"github.com/memohai/composer/internal/composer"
)

// LogReporter writes user-facing messages to a logger.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a reporter on log.
func NewLogReporter(log *slog.Logger) *LogReporter {
	if log == nil {
		log = slog.Default()
	}
	return &LogReporter{logger: log.With(slog.String("service", "reporter"))}
}

// Report logs message at the level matching severity.
func (r *LogReporter) Report(message string, severity composer.Severity) {
	level := slog.LevelError
	switch severity {
	case composer.SeverityInfo:
		level = slog.LevelInfo
	case composer.SeverityWarn:
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, message)
}
