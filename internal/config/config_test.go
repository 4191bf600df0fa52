package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"GOVLEDGER_ROOT", "GOVLEDGER_SIGNING_KEY", "GOVLEDGER_STRICT", "GOVLEDGER_ACCEPTANCE_TIMEOUT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	e, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if e.Root != "." {
		t.Fatalf("expected root '.', got %q", e.Root)
	}
	if e.Strict {
		t.Fatal("expected permissive mode by default")
	}
	if e.AcceptanceTimeout != DefaultAcceptanceTimeout {
		t.Fatalf("expected %s, got %s", DefaultAcceptanceTimeout, e.AcceptanceTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GOVLEDGER_ROOT", "/srv/planes")
	t.Setenv("GOVLEDGER_STRICT", "true")
	t.Setenv("GOVLEDGER_ACCEPTANCE_TIMEOUT", "5s")

	e, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if e.Root != "/srv/planes" || !e.Strict || e.AcceptanceTimeout != 5*time.Second {
		t.Fatalf("unexpected env: %+v", e)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("GOVLEDGER_STRICT", "maybe")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}

	t.Setenv("GOVLEDGER_STRICT", "false")
	t.Setenv("GOVLEDGER_ACCEPTANCE_TIMEOUT", "-1s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative timeout")
	}
}
