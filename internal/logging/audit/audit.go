// Package audit records owner-visible changes to stored data: trash moves,
// restores, permanent deletions, quota changes and maintenance sweeps.
package audit

import (
	"github.com/rs/zerolog"
)

// Results carried in the "result" field.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Purge reasons.
const (
	ReasonManual  = "manual"
	ReasonExpired = "expired"
)

// Logger writes audit events as structured log entries with an
// "event_type" field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger. The zero zerolog.Logger discards
// every event.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogNodeOp logs an operation on one node.
// operation: "delete", "restore", "purge", "move" or "copy"
// target: destination folder for move and copy, otherwise 0
func (l *Logger) LogNodeOp(owner int64, operation string, id, target int64, err error) {
	if l == nil {
		return
	}
	level, result := zerolog.InfoLevel, ResultOK
	if err != nil {
		level, result = zerolog.WarnLevel, ResultFailed
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "node_operation").
		Int64("owner", owner).
		Str("operation", operation).
		Int64("node_id", id).
		Str("result", result)

	if target != 0 {
		event = event.Int64("target", target)
	}
	if err != nil {
		event = event.Str("details", err.Error())
	}

	event.Msg("Node operation")
}

// LogPurge logs a permanent removal of trashed nodes and the bytes it
// released from the owner's quota.
func (l *Logger) LogPurge(owner int64, reason string, nodes int, freed int64) {
	if l == nil {
		return
	}
	l.logger.Info().
		Str("event_type", "purge").
		Int64("owner", owner).
		Str("reason", reason).
		Int("nodes", nodes).
		Int64("freed_bytes", freed).
		Msg("Trash purged")
}

// LogQuota logs a change of an owner's total allowance.
func (l *Logger) LogQuota(owner, total int64, err error) {
	if l == nil {
		return
	}
	level, result := zerolog.InfoLevel, ResultOK
	if err != nil {
		level, result = zerolog.WarnLevel, ResultFailed
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "quota").
		Int64("owner", owner).
		Int64("total_bytes", total).
		Str("result", result)

	if err != nil {
		event = event.Str("details", err.Error())
	}

	event.Msg("Quota changed")
}

// LogSweep logs a maintenance pass over chunk sessions and expired trash.
func (l *Logger) LogSweep(sessions, purgedNodes int, freed int64, err error) {
	if l == nil {
		return
	}
	level, result := zerolog.InfoLevel, ResultOK
	if err != nil {
		level, result = zerolog.WarnLevel, ResultFailed
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "sweep").
		Int("sessions", sessions).
		Int("purged_nodes", purgedNodes).
		Int64("freed_bytes", freed).
		Str("result", result)

	if err != nil {
		event = event.Str("details", err.Error())
	}

	event.Msg("Sweep finished")
}
