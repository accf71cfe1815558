// Package config loads the orchestrator's configuration surface from the
// environment, following spec.md §6.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DashboardHost string `envconfig:"DASHBOARD_HOST" default:"0.0.0.0"`
	DashboardPort int    `envconfig:"DASHBOARD_PORT" default:"8080"`

	// DashboardURL is where the bridge processes reach the control
	// plane's HTTP API (webhook ingestion, §4.K) — they run as separate
	// processes and have no access to its in-process event bus.
	DashboardURL string `envconfig:"DASHBOARD_URL" default:"http://localhost:8080"`

	StorePath string `envconfig:"STORE_PATH" default:"./orchestrator.db"`

	// SSHHosts is an ordered list of remote host identifiers; the first
	// entry is the default host for session creation.
	SSHHosts []string `envconfig:"SSH_HOSTS" default:"localhost"`

	DiscordBotToken string `envconfig:"DISCORD_BOT_TOKEN"`
	DiscordGuildID  string `envconfig:"DISCORD_GUILD_ID"`
	DiscordChannel  string `envconfig:"DISCORD_CHANNEL_ID"`

	SlackBotToken      string   `envconfig:"SLACK_BOT_TOKEN"`
	SlackAppToken       string   `envconfig:"SLACK_APP_TOKEN"`
	SlackChannel        string   `envconfig:"SLACK_CHANNEL_ID"`
	SlackAllowedChannels []string `envconfig:"SLACK_ALLOWED_CHANNELS"`

	// DashboardToken enables auth when non-empty; empty means dev mode
	// (all requests allowed).
	DashboardToken string `envconfig:"DASHBOARD_TOKEN"`

	PollInterval int `envconfig:"POLL_INTERVAL" default:"30"`

	EnableSessionPoller   bool `envconfig:"ENABLE_SESSION_POLLER" default:"true"`
	EnableJSONLIngester   bool `envconfig:"ENABLE_JSONL_INGESTER" default:"true"`
	EnableUsagePoller     bool `envconfig:"ENABLE_USAGE_POLLER" default:"true"`
	EnableCommandQueue    bool `envconfig:"ENABLE_COMMAND_QUEUE" default:"true"`
	EnableMessageSync     bool `envconfig:"ENABLE_MESSAGE_SYNC" default:"true"`

	// NewSessionAgent is auto-launched on `!new`: "claude" / "codex" /
	// "gemini" / "opencode" / "" (none).
	NewSessionAgent string `envconfig:"NEW_SESSION_AGENT" default:"claude"`

	// ThreadCleanup is the action taken on kill: "archive" or "delete".
	ThreadCleanup string `envconfig:"THREAD_CLEANUP" default:"archive"`

	UsagePollInterval   int    `envconfig:"USAGE_POLL_INTERVAL" default:"60"`
	UsageRetentionHours int    `envconfig:"USAGE_RETENTION_HOURS" default:"168"`
	UsagePollModelClaude string `envconfig:"USAGE_POLL_MODEL_CLAUDE" default:"claude-3-5-haiku-20241022"`
	UsagePollModelOpenAI string `envconfig:"USAGE_POLL_MODEL_OPENAI" default:"gpt-4o-mini"`

	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`

	MessageSyncInterval int `envconfig:"MESSAGE_SYNC_INTERVAL" default:"300"`

	CORSOrigins string `envconfig:"CORS_ORIGINS"`

	RateLimitWebhookPerMin int `envconfig:"RATE_LIMIT_WEBHOOK_PER_MIN" default:"60"`
	RateLimitWritePerMin   int `envconfig:"RATE_LIMIT_WRITE_PER_MIN" default:"30"`
	RateLimitDefaultPerMin int `envconfig:"RATE_LIMIT_DEFAULT_PER_MIN" default:"120"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Addr returns the dashboard's listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.DashboardHost, c.DashboardPort)
}

// DefaultHost returns the first configured SSH host, used when a session
// is created without an explicit host.
func (c *Config) DefaultHost() string {
	if len(c.SSHHosts) == 0 {
		return ""
	}
	return c.SSHHosts[0]
}

// HostAllowed reports whether host is in the configured SSHHosts set.
func (c *Config) HostAllowed(host string) bool {
	for _, h := range c.SSHHosts {
		if h == host {
			return true
		}
	}
	return false
}

// DiscordEnabled reports whether Discord credentials are configured.
func (c *Config) DiscordEnabled() bool {
	return c.DiscordBotToken != ""
}

// SlackEnabled reports whether Slack credentials are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// AuthEnabled reports whether a dashboard token is configured. Absence
// means dev mode: all requests allowed.
func (c *Config) AuthEnabled() bool {
	return c.DashboardToken != ""
}

// AnthropicEnabled reports whether Anthropic quota polling is configured.
func (c *Config) AnthropicEnabled() bool {
	return c.AnthropicAPIKey != ""
}

// OpenAIEnabled reports whether OpenAI quota polling is configured.
func (c *Config) OpenAIEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// SlackAllowedChannelSet returns the configured Slack channel allowlist,
// falling back to the single configured SlackChannel if the list is empty.
func (c *Config) SlackAllowedChannelSet() map[string]bool {
	set := make(map[string]bool)
	for _, ch := range c.SlackAllowedChannels {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			set[ch] = true
		}
	}
	if len(set) == 0 && c.SlackChannel != "" {
		set[c.SlackChannel] = true
	}
	return set
}
