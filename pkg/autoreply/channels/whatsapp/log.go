package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger routes whatsmeow's printf-style logs into slog.
// whatsmeow is chatty at info level, so Infof is logged as debug.
type slogLogger struct {
	logger *slog.Logger
}

func newWALogger(logger *slog.Logger, module string) waLog.Logger {
	return slogLogger{logger: logger.With("module", module)}
}

func (l slogLogger) Errorf(msg string, args ...any) {
	l.logger.Error("whatsmeow: " + fmt.Sprintf(msg, args...))
}

func (l slogLogger) Warnf(msg string, args ...any) {
	l.logger.Warn("whatsmeow: " + fmt.Sprintf(msg, args...))
}

func (l slogLogger) Infof(msg string, args ...any) {
	l.logger.Debug("whatsmeow: " + fmt.Sprintf(msg, args...))
}

func (l slogLogger) Debugf(msg string, args ...any) {
	l.logger.Debug("whatsmeow: " + fmt.Sprintf(msg, args...))
}

func (l slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{logger: l.logger.With("submodule", module)}
}
