package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.GlobalMaxInflight)
	assert.Equal(t, 8, cfg.ProviderMaxInflight)
	assert.Equal(t, 4, cfg.SessionMaxInflight)
	assert.Equal(t, "127.0.0.1", cfg.WSHost)
	assert.Equal(t, 8765, cfg.WSPort)
	assert.Equal(t, 1.2, cfg.ShutdownGraceMultiplier)

	simple, ok := cfg.Timeouts["simple"]
	require.True(t, ok)
	assert.Less(t, simple.Tool, simple.Daemon)
	assert.Less(t, simple.Daemon, simple.Frontend)
	assert.Less(t, simple.Frontend, simple.Client)
}

func TestLoadRejectsNonPositiveToolTimeout(t *testing.T) {
	t.Setenv("TOOL_TIMEOUT_SIMPLE", "0")
	_, err := Load()
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadRejectsZeroInflightLimits(t *testing.T) {
	t.Setenv("GLOBAL_MAX_INFLIGHT", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadParsesCoalesceDisabledSet(t *testing.T) {
	t.Setenv("COALESCE_DISABLED_TOOLS", "hang, slowecho ,echo")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.CoalesceDisabledTools["hang"])
	assert.True(t, cfg.CoalesceDisabledTools["slowecho"])
	assert.True(t, cfg.CoalesceDisabledTools["echo"])
	assert.False(t, cfg.CoalesceDisabledTools["other"])
}

func TestDeriveTierRejectsCollapsedNesting(t *testing.T) {
	// A 1-second tool tier rounds 1.5x to 2, 2x to 2, 2.5x to 3 — daemon and
	// frontend round to the same value, so the strict-nesting invariant
	// must reject it.
	_, err := deriveTier(1)
	require.Error(t, err)
}

func TestDeriveTierAcceptsWellSeparatedTier(t *testing.T) {
	tier, err := deriveTier(10)
	require.NoError(t, err)
	assert.Less(t, tier.Tool, tier.Daemon)
	assert.Less(t, tier.Daemon, tier.Frontend)
	assert.Less(t, tier.Frontend, tier.Client)
}

func TestMaxToolTimeoutPicksLargestTier(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.Timeouts["expert"].Tool, cfg.MaxToolTimeout())
}
