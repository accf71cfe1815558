package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 8080, cfg.DashboardPort)
	assert.Equal(t, []string{"localhost"}, cfg.SSHHosts)
	assert.False(t, cfg.AuthEnabled())
	assert.False(t, cfg.DiscordEnabled())
	assert.False(t, cfg.SlackEnabled())
}

func TestLoad_EnabledFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("DASHBOARD_TOKEN", "secret")
	t.Setenv("DISCORD_BOT_TOKEN", "tok")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-1")
	t.Setenv("SLACK_APP_TOKEN", "xapp-1")
	t.Setenv("SSH_HOSTS", "host-a,host-b")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AuthEnabled())
	assert.True(t, cfg.DiscordEnabled())
	assert.True(t, cfg.SlackEnabled())
	assert.Equal(t, "host-a", cfg.DefaultHost())
	assert.True(t, cfg.HostAllowed("host-b"))
	assert.False(t, cfg.HostAllowed("host-c"))
}

func TestSlackAllowedChannelSet_FallsBackToSingleChannel(t *testing.T) {
	clearEnv(t)
	t.Setenv("SLACK_CHANNEL_ID", "C123")
	cfg, err := Load()
	require.NoError(t, err)
	set := cfg.SlackAllowedChannelSet()
	assert.True(t, set["C123"])
	assert.Len(t, set, 1)
}

func clearEnv(t *testing.T) {
	t.Helper()
	prefixes := []string{"DASHBOARD_", "DISCORD_", "SLACK_", "SSH_HOSTS", "STORE_PATH", "ANTHROPIC_", "OPENAI_"}
	for _, kv := range os.Environ() {
		eq := -1
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				eq = i
				break
			}
		}
		if eq < 0 {
			continue
		}
		name := kv[:eq]
		for _, prefix := range prefixes {
			if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
				val := os.Getenv(name)
				os.Unsetenv(name)
				t.Cleanup(func() { os.Setenv(name, val) })
				break
			}
		}
	}
}
