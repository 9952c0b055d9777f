package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	return logEntry
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	auditLogger := NewLogger(zerolog.New(&buf))

	if auditLogger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestLogNodeOp(t *testing.T) {
	tests := []struct {
		name       string
		operation  string
		target     int64
		err        error
		wantLevel  string
		wantResult string
	}{
		{
			name:       "delete",
			operation:  "delete",
			wantLevel:  "info",
			wantResult: ResultOK,
		},
		{
			name:       "move with target",
			operation:  "move",
			target:     42,
			wantLevel:  "info",
			wantResult: ResultOK,
		},
		{
			name:       "failed copy",
			operation:  "copy",
			target:     7,
			err:        errors.New("quota exceeded"),
			wantLevel:  "warn",
			wantResult: ResultFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogNodeOp(3, tt.operation, 11, tt.target, tt.err)

			logEntry := decode(t, &buf)
			if got := logEntry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			if got := logEntry["event_type"]; got != "node_operation" {
				t.Errorf("event_type = %v, want node_operation", got)
			}
			if got := logEntry["operation"]; got != tt.operation {
				t.Errorf("operation = %v, want %v", got, tt.operation)
			}
			if got := logEntry["owner"]; got != float64(3) {
				t.Errorf("owner = %v, want 3", got)
			}
			if got := logEntry["node_id"]; got != float64(11) {
				t.Errorf("node_id = %v, want 11", got)
			}
			if got := logEntry["result"]; got != tt.wantResult {
				t.Errorf("result = %v, want %v", got, tt.wantResult)
			}

			_, hasTarget := logEntry["target"]
			if hasTarget != (tt.target != 0) {
				t.Errorf("target present = %v, want %v", hasTarget, tt.target != 0)
			}
			_, hasDetails := logEntry["details"]
			if hasDetails != (tt.err != nil) {
				t.Errorf("details present = %v, want %v", hasDetails, tt.err != nil)
			}
		})
	}
}

func TestLogPurge(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogPurge(5, ReasonExpired, 4, 1024)

	logEntry := decode(t, &buf)
	if got := logEntry["event_type"]; got != "purge" {
		t.Errorf("event_type = %v, want purge", got)
	}
	if got := logEntry["reason"]; got != ReasonExpired {
		t.Errorf("reason = %v, want %v", got, ReasonExpired)
	}
	if got := logEntry["nodes"]; got != float64(4) {
		t.Errorf("nodes = %v, want 4", got)
	}
	if got := logEntry["freed_bytes"]; got != float64(1024) {
		t.Errorf("freed_bytes = %v, want 1024", got)
	}
}

func TestLogQuota(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogQuota(2, -1, errors.New("negative quota -1"))

	logEntry := decode(t, &buf)
	if got := logEntry["level"]; got != "warn" {
		t.Errorf("level = %v, want warn", got)
	}
	if got := logEntry["result"]; got != ResultFailed {
		t.Errorf("result = %v, want %v", got, ResultFailed)
	}
	if got := logEntry["details"]; got != "negative quota -1" {
		t.Errorf("details = %v", got)
	}
}

func TestLogSweep(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogSweep(2, 9, 4096, nil)

	logEntry := decode(t, &buf)
	if got := logEntry["event_type"]; got != "sweep" {
		t.Errorf("event_type = %v, want sweep", got)
	}
	if got := logEntry["sessions"]; got != float64(2) {
		t.Errorf("sessions = %v, want 2", got)
	}
	if got := logEntry["purged_nodes"]; got != float64(9) {
		t.Errorf("purged_nodes = %v, want 9", got)
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.LogNodeOp(1, "delete", 1, 0, nil)
	l.LogPurge(1, ReasonManual, 1, 1)
	l.LogQuota(1, 1, nil)
	l.LogSweep(0, 0, 0, nil)
}

func TestZeroLoggerDiscards(t *testing.T) {
	l := NewLogger(zerolog.Logger{})
	l.LogNodeOp(1, "purge", 1, 0, nil)
}
