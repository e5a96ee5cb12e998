package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all service configuration, read from TERMHUB_* environment
// variables.
type Settings struct {
	ListenAddr    string   `envconfig:"LISTEN_ADDR" default:":8790"`
	LogPath       string   `envconfig:"LOG_PATH" default:""`
	AllowOrigins  []string `envconfig:"ALLOW_ORIGINS" default:""`
	WorkspaceRoot string   `envconfig:"WORKSPACE_ROOT" default:"/workspace"`

	// Session limits and lifecycle.
	MaxSessions   int           `envconfig:"MAX_SESSIONS" default:"20"`
	IdleTimeout   time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`

	// Command validation.
	MaxCommandLength int    `envconfig:"MAX_COMMAND_LENGTH" default:"1000"`
	DangerousMode    bool   `envconfig:"DANGEROUS_MODE" default:"false"`
	PolicyFile       string `envconfig:"POLICY_FILE" default:""`

	// Rate limits. The agent tier applies to machine-originated commands and
	// is tracked per caller session, independently of the generic limit.
	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"30"`
	AgentRatePerMinute int `envconfig:"AGENT_RATE_PER_MINUTE" default:"10"`
	AgentRatePerHour   int `envconfig:"AGENT_RATE_PER_HOUR" default:"100"`
}

// Load reads settings from the environment.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("TERMHUB", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	return s, nil
}
