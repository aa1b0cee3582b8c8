package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/mattjoyce/payhook/internal/payment"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		" error ": slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = newLogger(&buf, "info")

	WithComponent("ingest").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "ingest" {
		t.Errorf("Expected component 'ingest', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithEvent(t *testing.T) {
	var buf bytes.Buffer
	logger = newLogger(&buf, "info")

	WithEvent(payment.Event{
		ID:             "evt_1",
		Provider:       payment.ProviderStripe,
		Kind:           payment.KindRefunded,
		OrderReference: "ord_1",
	}).Info("event msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	for k, want := range map[string]string{
		"provider":        "stripe",
		"event_id":        "evt_1",
		"kind":            "refunded",
		"order_reference": "ord_1",
	} {
		if out[k] != want {
			t.Errorf("Expected %s=%q, got %v", k, want, out[k])
		}
	}
}
