package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDurationAcceptsGoSyntaxAndSeconds(t *testing.T) {
	t.Setenv("STATUS_TEST_DURATION", "90s")
	if got := Duration("STATUS_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	t.Setenv("STATUS_TEST_DURATION", "300")
	if got := Duration("STATUS_TEST_DURATION", time.Second); got != 5*time.Minute {
		t.Fatalf("expected 5m, got %s", got)
	}
	t.Setenv("STATUS_TEST_DURATION", "soon")
	if got := Duration("STATUS_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestStringBoolInt(t *testing.T) {
	t.Setenv("STATUS_TEST_STRING", "  pool.ntp.org ")
	if got := String("STATUS_TEST_STRING", ""); got != "pool.ntp.org" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := String("STATUS_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("unexpected fallback %q", got)
	}
	t.Setenv("STATUS_TEST_BOOL", "Yes")
	if !Bool("STATUS_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("STATUS_TEST_BOOL", "maybe")
	if Bool("STATUS_TEST_BOOL", false) {
		t.Fatal("expected fallback false")
	}
	t.Setenv("STATUS_TEST_INT", "42")
	if got := Int("STATUS_TEST_INT", 1); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/.statusagent/db"); got != filepath.Join(home, ".statusagent/db") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got := ExpandHome("/var/lib/x"); got != "/var/lib/x" {
		t.Fatalf("absolute path must be unchanged, got %q", got)
	}
}
