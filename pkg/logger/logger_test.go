package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, false)
	SetLevel(WARN)
	t.Cleanup(func() {
		SetOutput(os.Stderr, false)
		SetLevel(INFO)
	})

	InfoCF("drift", "suppressed", map[string]interface{}{"k": 1})
	WarnCF("drift", "kept", map[string]interface{}{"severity": "high"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "drift" || entry["message"] != "kept" || entry["severity"] != "high" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
	if entry["level"] != "warn" {
		t.Fatalf("expected warn level, got %v", entry["level"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{"debug": DEBUG, "warn": WARN, "error": ERROR, "": INFO, "nope": INFO}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
