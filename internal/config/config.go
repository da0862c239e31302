// Package config provides configuration management for drover.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the drover server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// GitHubToken is a personal access token used when no GitHub App is
	// configured. App installations take precedence when present.
	GitHubToken string

	// GitHubAppID and GitHubAppKeyPath configure GitHub App authentication.
	// Per-installation tokens are minted from the app's private key.
	GitHubAppID      int64
	GitHubAppKeyPath string

	// WebhookSecret is the fallback HMAC secret for installations that do
	// not carry their own.
	WebhookSecret string

	// LLM provider API keys (injected into every sandbox spawn).
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// DockerImage is the base sandbox Docker image name.
	DockerImage string

	// DockerNetwork is the Docker network for sandbox containers.
	DockerNetwork string

	// BeadsDir is the in-repo directory holding the issues JSONL file.
	BeadsDir string

	// BacklogFile and RoadmapFile are the compiled backlog and roadmap
	// paths watched by push dispatch.
	BacklogFile string
	RoadmapFile string

	// SessionTTL is how long a sandbox session lives without renewal.
	SessionTTL time.Duration

	// SessionBurst is the max session creations allowed per minute before
	// the registry reports rate limiting.
	SessionBurst int

	// CancelInFlightOnBlock controls whether an issue becoming blocked
	// cancels its running workflow (default) or only clears the assignee.
	CancelInFlightOnBlock bool

	// Slack integration (optional). Router reports are posted to
	// SlackChannel when a bot token is configured.
	SlackBotToken string
	SlackChannel  string
}

// Load creates a Config from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := envOr("DROVER_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	appID, err := envOrInt64("DROVER_GITHUB_APP_ID", 0)
	if err != nil {
		return nil, fmt.Errorf("parsing DROVER_GITHUB_APP_ID: %w", err)
	}

	cfg := &Config{
		ServerAddr:       envOr("DROVER_ADDR", ":7080"),
		DataDir:          dataDir,
		DatabasePath:     filepath.Join(dataDir, "drover.db"),
		GitHubToken:      os.Getenv("GITHUB_TOKEN"),
		GitHubAppID:      appID,
		GitHubAppKeyPath: os.Getenv("DROVER_GITHUB_APP_KEY"),
		WebhookSecret:    os.Getenv("DROVER_WEBHOOK_SECRET"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		DockerImage:      envOr("DROVER_DOCKER_IMAGE", "drover-sandbox"),
		DockerNetwork:    envOr("DROVER_DOCKER_NETWORK", "drover-net"),
		BeadsDir:         envOr("DROVER_BEADS_DIR", ".beads"),
		BacklogFile:      envOr("DROVER_BACKLOG_FILE", "BACKLOG.md"),
		RoadmapFile:      envOr("DROVER_ROADMAP_FILE", "ROADMAP.md"),
		SessionTTL:       envOrDuration("DROVER_SESSION_TTL", 30*time.Minute),
		SessionBurst:     envOrInt("DROVER_SESSION_BURST", 10),
		SlackBotToken:    os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:     os.Getenv("SLACK_CHANNEL"),

		CancelInFlightOnBlock: envOrBool("DROVER_CANCEL_ON_BLOCK", true),
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.GitHubToken == "" && (c.GitHubAppID == 0 || c.GitHubAppKeyPath == "") {
		return fmt.Errorf("GITHUB_TOKEN or DROVER_GITHUB_APP_ID + DROVER_GITHUB_APP_KEY is required")
	}
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY is required")
	}
	return nil
}

// SlackEnabled returns true if Slack reporting is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// SandboxEnv returns environment variables injected into every sandbox
// spawn. These are the values Redact strips from log output.
func (c *Config) SandboxEnv() []string {
	env := []string{}
	if c.GitHubToken != "" {
		env = append(env, "GITHUB_TOKEN="+c.GitHubToken)
	}
	if c.AnthropicAPIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+c.AnthropicAPIKey)
	}
	if c.OpenAIAPIKey != "" {
		env = append(env, "OPENAI_API_KEY="+c.OpenAIAPIKey)
	}
	return env
}

// Redact replaces every configured secret value in s with "[redacted]".
// Call it on anything derived from external input before logging.
func (c *Config) Redact(s string) string {
	for _, secret := range []string{c.GitHubToken, c.AnthropicAPIKey, c.OpenAIAPIKey, c.SlackBotToken, c.WebhookSecret} {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "[redacted]")
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drover"
	}
	return filepath.Join(home, ".drover")
}
