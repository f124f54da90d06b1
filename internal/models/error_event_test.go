package models

import (
	"testing"
	"time"
)

func TestErrorEvent_IsError(t *testing.T) {
	tests := []struct {
		level string
		want  bool
	}{
		{"ERROR", true},
		{"error", true},
		{"FATAL", true},
		{"CRITICAL", true},
		{"panic", true},
		{"WARN", false},
		{"INFO", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			e := &ErrorEvent{Level: tt.level}
			if got := e.IsError(); got != tt.want {
				t.Errorf("IsError() for %q = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestErrorEvent_JSON(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	event := &ErrorEvent{
		Timestamp: &ts,
		Level:     "ERROR",
		Name:      "SlackAPIError",
		Code:      "ratelimited",
		Message:   "rate limited",
		Service:   "slack",
		Origin:    "/var/log/bot.log",
		Raw:       `{"level":"error"}`,
		Attrs:     map[string]any{"retry_after": 30.0},
	}

	data, err := event.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	got, err := EventFromJSON(data)
	if err != nil {
		t.Fatalf("EventFromJSON() error = %v", err)
	}
	if got.Code != event.Code || got.Service != event.Service || got.Message != event.Message {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if got.Timestamp == nil || !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp mismatch: got %v", got.Timestamp)
	}

	if _, err := EventFromJSON([]byte(`{"message":`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
