package logger

import (
	"context"
	"testing"

	"runbox/pkg/utils/contextkey"
)

func TestNewLoggerInvalidLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "verbose"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := NewLogger(Config{Level: level, Format: "json"}); err != nil {
			t.Errorf("level %s: %v", level, err)
		}
	}
}

func TestExtractFieldsFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), contextkey.TraceID, "t-1")
	ctx = context.WithValue(ctx, contextkey.JobID, "j-1")

	fields := extractFieldsFromContext(ctx)
	if len(fields) != 2 {
		t.Fatalf("fields = %d, want 2", len(fields))
	}

	keys := map[string]bool{}
	for _, f := range fields {
		keys[f.Key] = true
	}
	if !keys["trace_id"] || !keys["job_id"] {
		t.Errorf("field keys = %v", keys)
	}
}

func TestGlobalFunctionsNilSafe(t *testing.T) {
	prev := globalLogger
	globalLogger = nil
	defer func() { globalLogger = prev }()

	ctx := context.Background()
	Info(ctx, "noop")
	Warn(ctx, "noop")
	Error(ctx, "noop")
	Infof(ctx, "noop %d", 1)
	if err := Sync(); err != nil {
		t.Errorf("sync: %v", err)
	}
	if WithFields(ctx) != nil {
		t.Error("WithFields should return nil without init")
	}
}
