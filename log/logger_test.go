package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerIncludesRunContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Context{TenantID: "tenant-1", RunID: "run-1", Stage: "extract", Attempt: 2}).WithOutput(&buf)

	logger.Info("stage started", map[string]any{"file_count": 3})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v (%s)", err, buf.String())
	}

	for key, want := range map[string]any{
		"tenant_id": "tenant-1",
		"run_id":    "run-1",
		"stage":     "extract",
		"message":   "stage started",
	} {
		if entry[key] != want {
			t.Errorf("entry[%q] = %v, want %v", key, entry[key], want)
		}
	}
	if entry["attempt"].(float64) != 2 {
		t.Errorf("entry[attempt] = %v, want 2", entry["attempt"])
	}
}

func TestLoggerOmitsEmptyOptionalFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Context{TenantID: "t", RunID: "r"}).WithOutput(&buf)
	logger.Info("no stage set", nil)

	out := buf.String()
	if strings.Contains(out, `"stage"`) {
		t.Errorf("expected no stage field in output: %s", out)
	}
	if strings.Contains(out, `"job_id"`) {
		t.Errorf("expected no job_id field in output: %s", out)
	}
}

func TestSugarPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Context{TenantID: "t", RunID: "r"}).WithOutput(&buf)
	logger.Sugar().Infof("processed %d of %d", 3, 10)

	if !strings.Contains(buf.String(), "processed 3 of 10") {
		t.Errorf("expected formatted message in output: %s", buf.String())
	}
}
