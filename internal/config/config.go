// Package config loads and validates the runtime's environment-variable
// configuration. A dev .env file is loaded via godotenv before os.Getenv
// reads; richer config machinery (remote providers, file formats) belongs
// to the deployment layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every env key the runtime consumes.
type Config struct {
	CheckpointDBURL     string
	CheckpointPoolMin   int
	CheckpointPoolMax   int
	CheckpointPoolTimeout time.Duration

	AgentRecursionLimit int
	AgentMCPEnabled     bool
	AgentMCPTimeout     time.Duration
	MCPToolServerURL    string

	SandboxTimeoutSeconds            int
	SandboxPauseBeforeTimeoutSeconds int
	SandboxMCPServerPort             int
	SandboxCodeServerPort            int

	RedisURL string

	ReconcilerOrphanWindow time.Duration

	JWKSURL   string
	JWTIssuer string
	JWTAud    string

	// Provider keys, passed through opaquely to their adapters.
	DaytonaAPIURL   string
	DaytonaAPIKey   string
	DaytonaTarget   string
	DaytonaSnapshot string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	EnableTracing bool

	HTTPAddr string
}

// Load reads and validates the runtime configuration from the process
// environment. A .env file in the working directory is loaded first (dev
// convenience only — ignored if absent).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CheckpointDBURL:                   os.Getenv("CHECKPOINT_DB_URL"),
		CheckpointPoolMin:                 envInt("CHECKPOINT_POOL_MIN", 2),
		CheckpointPoolMax:                 envInt("CHECKPOINT_POOL_MAX", 20),
		CheckpointPoolTimeout:             envDuration("CHECKPOINT_POOL_TIMEOUT", 60*time.Second),
		AgentRecursionLimit:               envInt("AGENT_RECURSION_LIMIT", 25),
		AgentMCPEnabled:                   envBool("AGENT_MCP_ENABLED", false),
		AgentMCPTimeout:                   envDuration("AGENT_MCP_TIMEOUT_SECONDS", 30*time.Minute),
		MCPToolServerURL:                  os.Getenv("MCP_TOOL_SERVER_URL"),
		SandboxTimeoutSeconds:             envInt("SANDBOX_TIMEOUT_SECONDS", 1800),
		SandboxPauseBeforeTimeoutSeconds:  envInt("SANDBOX_PAUSE_BEFORE_TIMEOUT_SECONDS", 300),
		SandboxMCPServerPort:              envInt("SANDBOX_MCP_SERVER_PORT", 6060),
		SandboxCodeServerPort:             envInt("CODE_SERVER_PORT", 9000),
		RedisURL:                          envString("REDIS_URL", "redis://localhost:6379/0"),
		ReconcilerOrphanWindow:            envDuration("RECONCILER_ORPHAN_WINDOW", 24*time.Hour),
		JWKSURL:                           os.Getenv("AUTH_JWKS_URL"),
		JWTIssuer:                         os.Getenv("AUTH_JWT_ISSUER"),
		JWTAud:                            os.Getenv("AUTH_JWT_AUDIENCE"),
		DaytonaAPIURL:                     os.Getenv("DAYTONA_API_URL"),
		DaytonaAPIKey:                     os.Getenv("DAYTONA_API_KEY"),
		DaytonaTarget:                     os.Getenv("DAYTONA_TARGET"),
		DaytonaSnapshot:                   os.Getenv("DAYTONA_SNAPSHOT"),
		LLMBaseURL:                        envString("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:                         os.Getenv("LLM_API_KEY"),
		LLMModel:                          envString("LLM_MODEL", "gpt-4o"),
		EnableTracing:                     envBool("ENABLE_TRACING", false),
		HTTPAddr:                          envString("HTTP_ADDR", ":8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the mandatory configuration constraints.
func (c *Config) Validate() error {
	if c.CheckpointDBURL == "" {
		return fmt.Errorf("config: CHECKPOINT_DB_URL is required")
	}
	if !strings.HasPrefix(c.CheckpointDBURL, "postgresql://") && !strings.HasPrefix(c.CheckpointDBURL, "postgres://") {
		return fmt.Errorf("config: CHECKPOINT_DB_URL must be a postgresql:// DSN")
	}
	if c.AgentRecursionLimit <= 0 || c.AgentRecursionLimit > 100 {
		return fmt.Errorf("config: AGENT_RECURSION_LIMIT must be in (0, 100]")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Bare integers are treated as seconds, matching the *_SECONDS naming
	// convention several keys use.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
