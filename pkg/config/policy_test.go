package config //nolint:testpackage // white-box tests for the policy store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPolicyStore_Defaults(t *testing.T) {
	store := NewPolicyStore()

	pol := store.For("acme/widgets")
	if pol != DefaultValidationPolicy {
		t.Fatalf("got %+v, want built-in default", pol)
	}
}

func TestPolicyStore_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "validation.yaml")
	body := `
default:
  enabled: true
  max_fix_attempts: 2
  timeout: 20m
repos:
  acme/widgets:
    enabled: false
    max_fix_attempts: 5
    timeout: 45m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	store := NewPolicyStore()
	if err := store.LoadFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pol := store.For("acme/widgets")
	if pol.Enabled {
		t.Fatal("acme/widgets should be disabled")
	}
	if pol.MaxFixAttempts != 5 {
		t.Fatalf("max fix attempts: got %d, want 5", pol.MaxFixAttempts)
	}
	if got := pol.Timeout.Std(); got != 45*time.Minute {
		t.Fatalf("timeout: got %v, want 45m", got)
	}

	other := store.For("acme/other")
	if !other.Enabled || other.MaxFixAttempts != 2 {
		t.Fatalf("fallback not applied: %+v", other)
	}
	if got := other.Timeout.Std(); got != 20*time.Minute {
		t.Fatalf("fallback timeout: got %v, want 20m", got)
	}
}

func TestPolicyStore_LoadFile_Missing(t *testing.T) {
	store := NewPolicyStore()
	if err := store.LoadFile(filepath.Join(t.TempDir(), "validation.yaml")); err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if store.For("acme/widgets") != DefaultValidationPolicy {
		t.Fatal("defaults should survive a missing file")
	}
}

func TestPolicyStore_LoadFile_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "validation.yaml")
	if err := os.WriteFile(path, []byte("default: [not a map"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	store := NewPolicyStore()
	if err := store.LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
	if store.For("acme/widgets") != DefaultValidationPolicy {
		t.Fatal("failed load must keep previous policies")
	}
}

func TestPolicyStore_Watch_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "validation.yaml")
	if err := os.WriteFile(path, []byte("default:\n  enabled: true\n  max_fix_attempts: 1\n  timeout: 10m\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	store := NewPolicyStore()
	if err := store.LoadFile(path); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	stop, err := store.Watch(path, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte("default:\n  enabled: true\n  max_fix_attempts: 7\n  timeout: 10m\n"), 0o600); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if store.For("acme/widgets").MaxFixAttempts == 7 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("policy never reloaded: %+v", store.For("acme/widgets"))
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestDefaultValidationYAML_Parses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "validation.yaml")
	if err := os.WriteFile(path, []byte(DefaultValidationYAML), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	store := NewPolicyStore()
	if err := store.LoadFile(path); err != nil {
		t.Fatalf("template should parse: %v", err)
	}
	if got := store.For("acme/widgets").Timeout.Std(); got != 30*time.Minute {
		t.Fatalf("timeout: got %v, want 30m", got)
	}
}

func TestPolicyStore_AllowedActors(t *testing.T) {
	store := NewPolicyStore()
	if got := store.AllowedActors(); got != nil {
		t.Fatalf("empty store should return nil, got %v", got)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "validation.yaml")
	body := `
allowed_actors:
  - alice
  - bob
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := store.LoadFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.AllowedActors()
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("allowed actors = %v", got)
	}

	// The returned slice is a copy; mutating it must not poison the store.
	got[0] = "mallory"
	if again := store.AllowedActors(); again[0] != "alice" {
		t.Fatalf("store mutated through returned slice: %v", again)
	}
}
