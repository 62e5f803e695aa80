package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

func TestSettingsDefaults(t *testing.T) {
	var s Settings
	if err := envconfig.Process("CHAOSLAB_TEST_DEFAULTS", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.SessionDuration != 30*time.Minute {
		t.Errorf("SessionDuration = %s, want 30m", s.SessionDuration)
	}
	if s.ExtensionDuration != 30*time.Minute {
		t.Errorf("ExtensionDuration = %s, want 30m", s.ExtensionDuration)
	}
	if s.TeardownOnShellExit {
		t.Error("TeardownOnShellExit should default to false")
	}
	if s.SSHUser != "ec2-user" {
		t.Errorf("SSHUser = %q, want ec2-user", s.SSHUser)
	}
	if len(s.KeyReleaseCommand) != 4 || s.KeyReleaseCommand[0] != "aws" {
		t.Errorf("KeyReleaseCommand = %v", s.KeyReleaseCommand)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestSettingsValidate(t *testing.T) {
	base := Settings{Backend: "terraform", SessionDuration: time.Minute, ExtensionDuration: time.Minute, SweepSchedule: "@every 1s"}

	bad := base
	bad.Backend = "kubernetes"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown backend")
	}

	bad = base
	bad.ExtensionDuration = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero extension")
	}

	bad = base
	bad.LastClientGrace = -time.Second
	if err := bad.Validate(); err == nil {
		t.Error("expected error for negative grace")
	}
}

func TestCatalogOpenAcceptsWellFormedNames(t *testing.T) {
	c, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	entry, err := c.Resolve("disk-full")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.ModulePath != "modules/disk-full" {
		t.Errorf("ModulePath = %q", entry.ModulePath)
	}
	if _, err := c.Resolve("../etc"); err == nil {
		t.Error("expected path traversal name to be rejected")
	}
	if _, err := c.Resolve(""); err == nil {
		t.Error("expected empty name to be rejected")
	}
}

func TestCatalogFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := []byte(`scenarios:
  - repo: disk-full
  - repo: dns-broken
    module_path: scenarios/dns
    ssh_user: ubuntu
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	entry, err := c.Resolve("dns-broken")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.ModulePath != "scenarios/dns" || entry.SSHUser != "ubuntu" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if _, err := c.Resolve("cpu-spike"); !errors.Is(err, ErrUnknownScenario) {
		t.Errorf("expected ErrUnknownScenario, got %v", err)
	}
}

func TestCatalogRejectsBadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("scenarios:\n  - repo: \"a b\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Error("expected invalid repo name in catalog to fail")
	}
}
