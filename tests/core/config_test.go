package core_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/pkg/core"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("DATABASE_PROVIDER", "")
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("CONSCIOUS_MODE", "")
	t.Setenv("AUTO_MODE", "")

	config, err := core.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", config.Storage.Provider)
	assert.Equal(t, "./engram.db", config.Storage.Config["db_path"])
	assert.Equal(t, "openai", config.LLM.Provider)
	assert.True(t, config.Modes.Conscious)
	assert.True(t, config.Modes.Auto)
}

func TestLoadConfigFromEnv_Postgres(t *testing.T) {
	t.Setenv("DATABASE_PROVIDER", "postgres")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PORT", "5433")
	t.Setenv("POSTGRES_USER", "engram")
	t.Setenv("POSTGRES_DATABASE", "memories")
	t.Setenv("AUTO_MODE", "false")

	config, err := core.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "postgres", config.Storage.Provider)
	assert.Equal(t, "db.internal", config.Storage.Config["host"])
	assert.Equal(t, 5433, config.Storage.Config["port"])
	assert.Equal(t, "engram", config.Storage.Config["user"])
	assert.Equal(t, "memories", config.Storage.Config["db_name"])
	assert.False(t, config.Modes.Auto)
}

func TestLoadConfigFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	payload := `{
		"llm": {"provider": "openai", "api_key": "sk-test", "model": "gpt-4o-mini"},
		"storage": {"provider": "sqlite", "config": {"db_path": "/tmp/test.db"}},
		"modes": {"conscious": true, "auto": false},
		"context_token_budget": 400
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))

	config, err := core.LoadConfigFromJSON(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", config.Storage.Provider)
	assert.Equal(t, "/tmp/test.db", config.Storage.Config["db_path"])
	assert.True(t, config.Modes.Conscious)
	assert.False(t, config.Modes.Auto)
	assert.Equal(t, 400, config.ContextTokenBudget)

	_, err = core.LoadConfigFromJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := &core.Config{
		LLM:     core.LLMConfig{Provider: "openai"},
		Storage: core.StorageConfig{Provider: "sqlite"},
	}
	assert.NoError(t, valid.Validate())

	missingStorage := &core.Config{LLM: core.LLMConfig{Provider: "openai"}}
	assert.ErrorIs(t, missingStorage.Validate(), core.ErrInvalidConfig)

	unknownStorage := &core.Config{
		LLM:     core.LLMConfig{Provider: "openai"},
		Storage: core.StorageConfig{Provider: "mongodb"},
	}
	assert.ErrorIs(t, unknownStorage.Validate(), core.ErrInvalidConfig)

	missingLLM := &core.Config{Storage: core.StorageConfig{Provider: "sqlite"}}
	assert.ErrorIs(t, missingLLM.Validate(), core.ErrInvalidConfig)
}
