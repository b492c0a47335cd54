package env

import (
	"strings"
	"testing"
	"time"
)

func TestString(t *testing.T) {
	t.Setenv("PIPELINE_NAME", "orders")

	if got := String("PIPELINE_NAME", "fallback"); got != "orders" {
		t.Fatalf("String()=%q, want orders", got)
	}
	if got := String("PIPELINE_NAME_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestDuration(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("POLL_INTERVAL_BAD", "soon")

	got, err := Duration("POLL_INTERVAL", 5*time.Second)
	if err != nil || got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v err=%v, want 250ms", got, err)
	}

	got, err = Duration("POLL_INTERVAL_MISSING", 5*time.Second)
	if err != nil || got != 5*time.Second {
		t.Fatalf("Duration()=%v err=%v, want default 5s", got, err)
	}

	_, err = Duration("POLL_INTERVAL_BAD", 5*time.Second)
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if !strings.Contains(err.Error(), "POLL_INTERVAL_BAD") {
		t.Fatalf("error should name the key: %v", err)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("TRIGGER_ENABLED", "false")

	got, err := Bool("TRIGGER_ENABLED", true)
	if err != nil || got {
		t.Fatalf("Bool()=%v err=%v, want false", got, err)
	}
	got, err = Bool("TRIGGER_ENABLED_MISSING", true)
	if err != nil || !got {
		t.Fatalf("Bool()=%v err=%v, want default true", got, err)
	}
}

func TestInt(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("MAX_ATTEMPTS_BAD", "three")

	got, err := Int("MAX_ATTEMPTS", 1)
	if err != nil || got != 3 {
		t.Fatalf("Int()=%v err=%v, want 3", got, err)
	}
	got, err = Int("MAX_ATTEMPTS_MISSING", 42)
	if err != nil || got != 42 {
		t.Fatalf("Int()=%v err=%v, want default 42", got, err)
	}
	if _, err := Int("MAX_ATTEMPTS_BAD", 1); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFloat64(t *testing.T) {
	t.Setenv("MIN_SCORE", "0.95")
	t.Setenv("MIN_SCORE_BAD", "high")

	got, err := Float64("MIN_SCORE", 1)
	if err != nil || got != 0.95 {
		t.Fatalf("Float64()=%v err=%v, want 0.95", got, err)
	}
	if _, err := Float64("MIN_SCORE_BAD", 1); err == nil {
		t.Fatalf("expected parse error")
	}
}
