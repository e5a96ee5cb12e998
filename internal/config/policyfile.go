package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the optional operator-supplied policy overlay. It extends the
// built-in validation rules; it cannot relax them.
type PolicyFile struct {
	// CustomPatterns are additional denylist rules checked after the built-in
	// dangerous-pattern table.
	CustomPatterns []CustomPattern `yaml:"custom_patterns"`

	// AllowedExecutables extends the built-in safe-command set.
	AllowedExecutables []string `yaml:"allowed_executables"`

	// TrustedCallerTag names the caller source that may bypass the policy
	// gate on execute requests. Empty disables the bypass entirely.
	TrustedCallerTag string `yaml:"trusted_caller_tag"`
}

// CustomPattern is one operator-supplied denylist rule.
type CustomPattern struct {
	Pattern  string `yaml:"pattern"`
	Reason   string `yaml:"reason"`
	Severity string `yaml:"severity"` // low|medium|high|critical, default medium
}

// LoadPolicyFile parses the YAML policy overlay at path. A missing path
// returns an empty overlay, not an error.
func LoadPolicyFile(path string) (PolicyFile, error) {
	if path == "" {
		return PolicyFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("read policy file: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return PolicyFile{}, fmt.Errorf("parse policy file: %w", err)
	}
	return pf, nil
}
