package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	l.Info("cycle done", Int("targets", 3), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["comp"] != "scheduler" || rec["message"] != "cycle done" || rec["err"] != "boom" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["targets"] != float64(3) {
		t.Fatalf("targets = %v", rec["targets"])
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	l.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not written: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing", String("k", "v"))
	Nop().With(String("a", "b")).Info("nothing")
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	c := CronLogger{L: NewWriter(&buf, "debug")}
	c.Error(errors.New("job failed"), "panic", "entry", 2)
	out := buf.String()
	if !strings.Contains(out, "cron: panic") || !strings.Contains(out, "job failed") || !strings.Contains(out, `"entry":2`) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"info", "DEBUG", " warn "} {
		if !ValidLevel(s) {
			t.Errorf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("loud") {
		t.Error("ValidLevel(loud) = true")
	}
}
