package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "openrouter", cfg.Generation.Provider)
	assert.Equal(t, "openai/gpt-5.2", cfg.Generation.Model)
	assert.Positive(t, cfg.Generation.MaxTokens)
	assert.Positive(t, cfg.Generation.Temperature)

	assert.Equal(t, time.Minute, cfg.CacheTTL())
	assert.Equal(t, 20, cfg.Detector.ThreadTurns)
	assert.Equal(t, 0.3, cfg.Detector.RecencyBlend)
	assert.Equal(t, "default", cfg.Detector.DefaultConstruct)
	assert.Equal(t, "000", cfg.Detector.DefaultCallsign)

	assert.Equal(t, 1, cfg.Drift.CorrectionAttempts)
	assert.Equal(t, 3, cfg.Drift.ReinforceAfter)
	assert.True(t, cfg.Drift.WorldviewCheck)

	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.NotZero(t, cfg.Gateway.Port)
}

func TestDefaultsCarryNoSecrets(t *testing.T) {
	cfg := DefaultConfig()
	for name, v := range map[string]string{
		"openrouter": cfg.Providers.OpenRouter.APIKey,
		"openai":     cfg.Providers.OpenAI.APIKey,
		"gemini":     cfg.Providers.Gemini.APIKey,
		"discord":    cfg.Channels.Discord.Token,
	} {
		assert.Empty(t, v, name)
	}
}

func TestSaveConfig_OwnerOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	require.NoError(t, SaveConfig(path, DefaultConfig()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadConfig_RoundTripsConstructs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Persona.Constructs = []ConstructConfig{
		{ConstructID: "nova", Callsign: "001", Name: "Nova", Aliases: []string{"nova-001"}},
	}
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	cc, ok := loaded.Construct(" NOVA ")
	require.True(t, ok, "lookup is case-insensitive")
	assert.Equal(t, "Nova", cc.Name)
	assert.Equal(t, "001", cc.Callsign)

	_, ok = loaded.Construct("orion")
	assert.False(t, ok)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Run("without file", func(t *testing.T) {
		t.Setenv("DOTPERSONA_GENERATION_MODEL", "env/model")
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing-config.json"))
		require.NoError(t, err)
		assert.Equal(t, "env/model", cfg.Generation.Model)
	})

	t.Run("over file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"generation":{"provider":"openrouter"},"detector":{"thread_turns":7}}`), 0o600))
		t.Setenv("DOTPERSONA_GENERATION_PROVIDER", "gemini")
		t.Setenv("DOTPERSONA_PROVIDERS_GEMINI_API_KEY", "g-key")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "gemini", cfg.Generation.Provider)
		assert.Equal(t, "g-key", cfg.Providers.Gemini.APIKey)
		assert.Equal(t, 7, cfg.Detector.ThreadTurns, "file value")
		assert.Equal(t, 10, cfg.Detector.MaxTranscripts, "default survives a partial file")
	})
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"generation":`), 0o600))
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestFlexibleStringSlice_AcceptsNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"channels":{"discord":{"allow_from":["abc",123]}}}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, FlexibleStringSlice{"abc", "123"}, cfg.Channels.Discord.AllowFrom)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x", "y"), ExpandHome("~/x/y"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs", ExpandHome(" /abs "))
	assert.Equal(t, "~other/x", ExpandHome("~other/x"))
	assert.Empty(t, ExpandHome(""))

	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join(home, ".dotpersona", "persona.db"), cfg.StorePath())
}
