// Package diag implements the structured trace/chat logger.
// Every stage of the gateway emits one Event through a *Logger; events are
// appended to per-route, per-day ndjson files under logs/.
package diag

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

// Source values for Event.Source.
const (
	SourceChat       = "chat"
	SourceAutomation = "automation"
	SourceInbound    = "inbound"
)

// Event is one structured trace line.
type Event struct {
	Time              time.Time `json:"time"`
	EventName         string    `json:"event"`
	Route             string    `json:"route"`
	MsgID             string    `json:"msg_id,omitempty"`
	DispatchID        string    `json:"dispatch_id,omitempty"`
	AttemptID         string    `json:"attempt_id,omitempty"`
	Source            string    `json:"source,omitempty"`
	ResolveStage      string    `json:"resolve_stage,omitempty"`
	ResolveAction     string    `json:"resolve_action,omitempty"`
	ResolveResult     string    `json:"resolve_result,omitempty"`
	MaterializeErrorCode string `json:"materialize_error_code,omitempty"`
	DropReason        string    `json:"drop_reason,omitempty"`
	RetryCount        int       `json:"retry_count,omitempty"`
	HTTPStatus        int       `json:"http_status,omitempty"`
	DurationMs        int64     `json:"duration_ms,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// ChatLine is one normalized chat record.
type ChatLine struct {
	Time      time.Time `json:"time"`
	Route     string    `json:"route"`
	Direction string    `json:"direction"` // in|out
	Summary   string    `json:"summary"`
}

// Logger appends trace and chat events to per-route daily ndjson files and
// mirrors them to the process slog logger.
type Logger struct {
	layout *store.Layout
	slog   *slog.Logger
}

// New returns a Logger rooted at layout. slogger may be nil, in which case
// slog.Default() is used.
func New(layout *store.Layout, slogger *slog.Logger) *Logger {
	if slogger == nil {
		slogger = slog.Default()
	}
	return &Logger{layout: layout, slog: slogger}
}

func dayStamp(t time.Time) string { return t.Format("2006-01-02") }

// Trace appends ev to logs/trace-YYYY-MM-DD.ndjson for ev.Route.
func (l *Logger) Trace(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	path := filepath.Join(l.layout.LogsDir(ev.Route), fmt.Sprintf("trace-%s.ndjson", dayStamp(ev.Time)))
	if err := store.AppendNDJSON(path, ev); err != nil {
		l.slog.Warn("diag: trace append failed", "route", ev.Route, "event", ev.EventName, "err", err)
		return
	}
	l.slog.Debug("trace", "route", ev.Route, "event", ev.EventName, "dispatch_id", ev.DispatchID, "drop_reason", ev.DropReason)
}

// Chat appends a redacted chat line to logs/chat-YYYY-MM-DD.ndjson.
func (l *Logger) Chat(route, direction, summary string) {
	now := time.Now()
	line := ChatLine{Time: now, Route: route, Direction: direction, Summary: Redact(summary)}
	path := filepath.Join(l.layout.LogsDir(route), fmt.Sprintf("chat-%s.ndjson", dayStamp(now)))
	if err := store.AppendNDJSON(path, line); err != nil {
		l.slog.Warn("diag: chat append failed", "route", route, "err", err)
	}
}

var (
	loopbackHostRe = regexp.MustCompile(`(?i)\bhost\.docker\.internal\b`)
	ipv4Re         = regexp.MustCompile(`\b(?:127\.0\.0\.1|0\.0\.0\.0|(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d))\b`)
)

// Redact strips internal host markers from outbound text before it is
// logged or sent.
func Redact(s string) string {
	s = loopbackHostRe.ReplaceAllString(s, "[redacted-host]")
	s = ipv4Re.ReplaceAllString(s, "[redacted-ip]")
	return s
}
