// Package accesslog emits one structured log/slog record per proxied
// request: method, host, path, status, upstream latency and the serving
// instance. It sits directly in the proxy's request path rather than
// parsing an existing log file after the fact.
package accesslog

import (
	"log/slog"
	"time"
)

// Entry is one completed request, filled in by the proxy handler.
type Entry struct {
	Method     string
	Host       string
	Path       string
	Status     int
	Duration   time.Duration
	App        string
	InstanceID int
	Upstream   string
	RemoteAddr string
}

// Logger emits Entry records to an underlying slog.Logger at Info level,
// or Warn for 5xx responses.
type Logger struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Log(e Entry) {
	attrs := []any{
		"method", e.Method,
		"host", e.Host,
		"path", e.Path,
		"status", e.Status,
		"duration_ms", e.Duration.Milliseconds(),
		"app", e.App,
		"instance_id", e.InstanceID,
		"upstream", e.Upstream,
		"remote_addr", e.RemoteAddr,
	}

	if e.Status >= 500 {
		l.log.Warn("request", attrs...)
		return
	}
	l.log.Info("request", attrs...)
}
