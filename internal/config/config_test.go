package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ListenAddr != ":8790" {
		t.Errorf("ListenAddr = %q", s.ListenAddr)
	}
	if s.MaxSessions != 20 {
		t.Errorf("MaxSessions = %d", s.MaxSessions)
	}
	if s.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %s", s.IdleTimeout)
	}
	if s.SweepInterval != 5*time.Minute {
		t.Errorf("SweepInterval = %s", s.SweepInterval)
	}
	if s.MaxCommandLength != 1000 {
		t.Errorf("MaxCommandLength = %d", s.MaxCommandLength)
	}
	if s.DangerousMode {
		t.Error("DangerousMode should default to false")
	}
	if s.RateLimitPerMinute != 30 || s.AgentRatePerMinute != 10 || s.AgentRatePerHour != 100 {
		t.Errorf("rate defaults = %d/%d/%d", s.RateLimitPerMinute, s.AgentRatePerMinute, s.AgentRatePerHour)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TERMHUB_MAX_SESSIONS", "3")
	t.Setenv("TERMHUB_IDLE_TIMEOUT", "10m")
	t.Setenv("TERMHUB_DANGEROUS_MODE", "true")

	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.MaxSessions != 3 {
		t.Errorf("MaxSessions = %d, want 3", s.MaxSessions)
	}
	if s.IdleTimeout != 10*time.Minute {
		t.Errorf("IdleTimeout = %s, want 10m", s.IdleTimeout)
	}
	if !s.DangerousMode {
		t.Error("DangerousMode should be true")
	}
}

func TestLoadPolicyFile_EmptyPath(t *testing.T) {
	pf, err := LoadPolicyFile("")
	if err != nil {
		t.Fatalf("empty path: %v", err)
	}
	if len(pf.CustomPatterns) != 0 || len(pf.AllowedExecutables) != 0 || pf.TrustedCallerTag != "" {
		t.Errorf("empty path should yield an empty overlay, got %+v", pf)
	}
}

func TestLoadPolicyFile_Parses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
custom_patterns:
  - pattern: '(?i)\bdrop\s+table\b'
    reason: sql table drop
    severity: high
  - pattern: 'forbidden-tool'
allowed_executables:
  - terraform
  - kubectl
trusted_caller_tag: orchestrator
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	pf, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(pf.CustomPatterns) != 2 {
		t.Fatalf("patterns = %d, want 2", len(pf.CustomPatterns))
	}
	if pf.CustomPatterns[0].Reason != "sql table drop" || pf.CustomPatterns[0].Severity != "high" {
		t.Errorf("first pattern = %+v", pf.CustomPatterns[0])
	}
	if len(pf.AllowedExecutables) != 2 {
		t.Errorf("executables = %v", pf.AllowedExecutables)
	}
	if pf.TrustedCallerTag != "orchestrator" {
		t.Errorf("trusted tag = %q", pf.TrustedCallerTag)
	}
}

func TestLoadPolicyFile_MissingFile(t *testing.T) {
	if _, err := LoadPolicyFile("/no/such/policy.yaml"); err == nil {
		t.Fatal("missing file should be an error")
	}
}

func TestLoadPolicyFile_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte("custom_patterns: [unterminated"), 0o644)
	if _, err := LoadPolicyFile(path); err == nil {
		t.Fatal("malformed yaml should be an error")
	}
}
