package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

// newTestLogger creates a logger that writes JSON to buf.
func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "msg",
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		EncodeTime:  zapcore.ISO8601TimeEncoder,
	})
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel))
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	return entry
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"not-a-level", false, true},
		{"", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer logger.Sync()

			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := logger.Core().Enabled(zapcore.InfoLevel); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestWithLogger_and_LoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	if got := LoggerFrom(ctx, nil); got != logger {
		t.Error("LoggerFrom did not return the stored logger")
	}
	fallback := zap.NewExample()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom did not return the fallback")
	}
}

func TestRequestLogger_tags_actor(t *testing.T) {
	var buf bytes.Buffer
	rctx := &model.RequestContext{
		SubjectID:     "user-alice",
		CorrelationID: "corr-1",
		TraceID:       "trace-9",
	}
	ctx := model.WithRequestContext(WithLogger(context.Background(), newTestLogger(&buf)), rctx)

	RequestLogger(ctx, zap.NewNop()).Info("hello")

	entry := decodeLine(t, &buf)
	want := map[string]string{
		"subject_id":     "user-alice",
		"correlation_id": "corr-1",
		"trace_id":       "trace-9",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %q", k, entry[k], v)
		}
	}
}

func TestRequestLogger_without_trace_or_context(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "u"})
	RequestLogger(ctx, logger).Info("one")
	entry := decodeLine(t, &buf)
	if _, ok := entry["trace_id"]; ok {
		t.Error("trace_id present without a trace")
	}

	buf.Reset()
	RequestLogger(context.Background(), logger).Info("two")
	entry = decodeLine(t, &buf)
	if _, ok := entry["subject_id"]; ok {
		t.Error("subject_id present without a request context")
	}
}

func TestCaseFields(t *testing.T) {
	var buf bytes.Buffer
	c := model.Case{ID: "case-1", RecordType: model.RecordIncident, WorkflowID: "wf", CurrentStateID: "new", Version: 4}

	newTestLogger(&buf).Info("case", CaseFields(c)...)

	entry := decodeLine(t, &buf)
	if entry["case_id"] != "case-1" || entry["record_type"] != "incident" || entry["state_id"] != "new" {
		t.Errorf("entry = %v", entry)
	}
	if entry["version"] != float64(4) {
		t.Errorf("version = %v, want 4", entry["version"])
	}
}
