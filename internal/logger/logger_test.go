package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetup_ReturnsJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	if l == nil {
		t.Fatal("expected non-nil logger")
	}

	l.Info("test message", slog.String("key", "value"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}

	if entry["msg"] != "test message" {
		t.Errorf("msg = %q, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %q, want %q", entry["key"], "value")
	}
}

func TestSetup_IncludesTimeField(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
}

func TestSetup_IncludesLevelField(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Warn("warning test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["level"] != "WARN" {
		t.Errorf("level = %q, want %q", entry["level"], "WARN")
	}
}

func TestSetup_MultipleAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("bank item linked",
		slog.String("user_id", "u-123"),
		slog.String("item_id", "i-456"),
		slog.String("institution", "First Platypus Bank"),
		slog.Int("http_status", 200),
		slog.Int("account_count", 3),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["user_id"] != "u-123" {
		t.Errorf("user_id = %q, want %q", entry["user_id"], "u-123")
	}
	if entry["item_id"] != "i-456" {
		t.Errorf("item_id = %q, want %q", entry["item_id"], "i-456")
	}
	if entry["institution"] != "First Platypus Bank" {
		t.Errorf("institution = %q, want %q", entry["institution"], "First Platypus Bank")
	}
	if entry["http_status"] != float64(200) {
		t.Errorf("http_status = %v, want %v", entry["http_status"], 200)
	}
	if entry["account_count"] != float64(3) {
		t.Errorf("account_count = %v, want %v", entry["account_count"], 3)
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	SetupDefault(&buf)

	slog.Default().Info("global test", slog.String("test_key", "test_val"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v\nraw: %s", err, buf.String())
	}

	if entry["msg"] != "global test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "global test")
	}
	if entry["test_key"] != "test_val" {
		t.Errorf("test_key = %q, want %q", entry["test_key"], "test_val")
	}
}

func TestSetup_RedactsSensitiveAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("exchange",
		slog.String("access_token", "access-sandbox-123"),
		slog.String("Secret", "s3cr3t"),
		slog.String("user_id", "u-1"),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["access_token"] != "[REDACTED]" {
		t.Errorf("access_token = %q, want [REDACTED]", entry["access_token"])
	}
	if entry["Secret"] != "[REDACTED]" {
		t.Errorf("Secret = %q, want [REDACTED]", entry["Secret"])
	}
	if entry["user_id"] != "u-1" {
		t.Errorf("user_id = %q, want %q", entry["user_id"], "u-1")
	}
}

func TestSetLevel_FiltersBelowLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	var buf bytes.Buffer
	l := Setup(&buf)

	SetLevel("error")
	l.Warn("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("expected no output at error level, got %s", buf.String())
	}

	SetLevel("debug")
	l.Debug("should be written")
	if buf.Len() == 0 {
		t.Error("expected debug output after SetLevel(debug)")
	}
}

func TestSetLevel_UnknownFallsBackToInfo(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	SetLevel("verbose")
	if level.Level() != slog.LevelInfo {
		t.Errorf("level = %v, want %v", level.Level(), slog.LevelInfo)
	}
}
