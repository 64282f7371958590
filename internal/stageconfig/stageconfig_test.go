package stageconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFederation_Defaults(t *testing.T) {
	os.Setenv("CRAWLD_FEDERATION_WHITELIST_FILE", "/tmp/whitelist.txt")
	defer os.Unsetenv("CRAWLD_FEDERATION_WHITELIST_FILE")

	cfg, err := LoadFederation("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, DefaultTimeoutMs, cfg.TimeoutMs)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.False(t, cfg.ExpandBeyondWhitelist)
	assert.Equal(t, "/tmp/whitelist.txt", cfg.WhitelistFile)
}

func TestLoadFederation_RequiresWhitelist(t *testing.T) {
	_, err := LoadFederation("")
	require.Error(t, err)
}

func TestLoadVideo_DefaultsAndSquash(t *testing.T) {
	cfg, err := LoadVideo("")
	require.NoError(t, err)
	assert.Equal(t, "-publishedAt", cfg.Sort)
	assert.Equal(t, 3, cfg.StopAfterFullPages)
	assert.Equal(t, 2, cfg.ChannelConcurrency)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
}

func TestLoadHealth_MergesAgeFlags(t *testing.T) {
	cfg, err := LoadHealth("", 1, 30, 0)
	require.NoError(t, err)
	assert.Greater(t, cfg.MinAgeMs, int64(0))
}
