package accesslog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestLogEmitsInfoForSuccessStatus(t *testing.T) {
	var buf bytes.Buffer
	l := New(newTestLogger(&buf))

	l.Log(Entry{Method: "GET", Host: "blog.example.com", Path: "/", Status: 200, Duration: 42 * time.Millisecond, App: "blog", InstanceID: 1})

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if rec["level"] != "INFO" {
		t.Fatalf("got level %v, want INFO", rec["level"])
	}
	if rec["status"].(float64) != 200 {
		t.Fatalf("got status %v, want 200", rec["status"])
	}
	if rec["duration_ms"].(float64) != 42 {
		t.Fatalf("got duration_ms %v, want 42", rec["duration_ms"])
	}
}

func TestLogEmitsWarnForServerErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	l := New(newTestLogger(&buf))

	l.Log(Entry{Method: "GET", Host: "blog.example.com", Path: "/", Status: 502, App: "blog"})

	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Fatalf("got %q, want a WARN-level record for a 5xx status", buf.String())
	}
}

func TestLogIncludesAllFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(newTestLogger(&buf))

	l.Log(Entry{
		Method: "POST", Host: "shop.example.com", Path: "/checkout", Status: 201,
		Duration: time.Second, App: "shop", InstanceID: 3, Upstream: "127.0.0.1:31003",
		RemoteAddr: "203.0.113.5:54321",
	})

	for _, field := range []string{"method", "host", "path", "status", "app", "instance_id", "upstream", "remote_addr"} {
		if !strings.Contains(buf.String(), `"`+field+`"`) {
			t.Fatalf("expected log line to include field %q, got %q", field, buf.String())
		}
	}
}
