package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"SnippetAI/internal/router"
)

func TestTiersPrintsResolvedChains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snippetai.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"tiers", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
	})

	require.NoError(t, rootCmd.Execute())

	var got router.TieringConfig
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	require.NotEmpty(t, got.Tiers)
	assert.Equal(t, "medium", got.Stages["code"])
	assert.Equal(t, "simple", got.Stages["explanation"])
	for _, tier := range got.Tiers {
		assert.NotEmpty(t, tier.Chain, "tier %s", tier.Name)
	}
}

func TestLoadConfigDebugOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snippetai.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  debug: false\n"), 0o600))

	configPath, debug = path, true
	t.Cleanup(func() { configPath, debug = "", false })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Log.Debug)
}

func TestLoadConfigMissingFile(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { configPath = "" })

	_, err := loadConfig()
	assert.Error(t, err)
}
