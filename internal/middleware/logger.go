package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/slog"
)

// NewStructuredLogger returns a chi request logger writing through slog.
func NewStructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return middleware.RequestLogger(&StructuredLogger{Logger: logger})
}

type StructuredLogger struct {
	Logger *slog.Logger
}

func (l *StructuredLogger) NewLogEntry(r *http.Request) middleware.LogEntry {
	entry := &StructuredLoggerEntry{Logger: l.Logger}
	entry.Logger = entry.Logger.With(
		slog.String("http_method", r.Method),
		slog.String("uri", r.RequestURI),
		slog.String("remote_addr", r.RemoteAddr),
	)
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		entry.Logger = entry.Logger.With(slog.String("request_id", reqID))
	}
	return entry
}

type StructuredLoggerEntry struct {
	Logger *slog.Logger
}

func (l *StructuredLoggerEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	l.Logger.Info("request complete",
		slog.Int("resp_status", status),
		slog.Int("resp_bytes", bytes),
		slog.Duration("elapsed", elapsed),
	)
}

func (l *StructuredLoggerEntry) Panic(v interface{}, stack []byte) {
	l.Logger.Error("request panic", slog.Any("panic", v), slog.String("stack", string(stack)))
}
