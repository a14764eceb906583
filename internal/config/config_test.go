package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "config-test-master-key-32-chars-x"

func TestLoadDefaultsWithEnvSecrets(t *testing.T) {
	t.Setenv("EVIDENCEMGR_MASTER_KEY", testMasterKey)
	t.Setenv("EVIDENCEMGR_VAULT_SALT", "test-salt")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, testMasterKey, cfg.Vault.MasterKey)
	assert.Equal(t, 24*time.Hour, cfg.Collection.DedupWindow)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("EVIDENCEMGR_MASTER_KEY", testMasterKey)
	t.Setenv("EVIDENCEMGR_VAULT_SALT", "test-salt")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: debug
  format: console
store:
  type: memory
collection:
  max_retry_attempts: 3
  dedup_window: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 3, cfg.Collection.MaxRetryAttempts)
	assert.Equal(t, time.Hour, cfg.Collection.DedupWindow)

	// Unset fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Collection.BreakerTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("EVIDENCEMGR_MASTER_KEY", testMasterKey)
	t.Setenv("EVIDENCEMGR_VAULT_SALT", "test-salt")
	t.Setenv("EVIDENCEMGR_LOG_LEVEL", "warn")
	t.Setenv("EVIDENCEMGR_DB_PATH", "/var/lib/evidencemgr/override.db")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: debug
vault:
  master_key: file-key-should-lose-but-is-32ch!
  salt: file-salt
store:
  path: file.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/evidencemgr/override.db", cfg.Store.Path)
	assert.Equal(t, testMasterKey, cfg.Vault.MasterKey)
	assert.Equal(t, "test-salt", cfg.Vault.Salt)
}

func TestValidateRejectsShortMasterKey(t *testing.T) {
	t.Setenv("EVIDENCEMGR_MASTER_KEY", "too-short")
	t.Setenv("EVIDENCEMGR_VAULT_SALT", "test-salt")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master key")
}

func TestValidateRejectsBadStoreType(t *testing.T) {
	t.Setenv("EVIDENCEMGR_MASTER_KEY", testMasterKey)
	t.Setenv("EVIDENCEMGR_VAULT_SALT", "test-salt")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: oracle\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store type")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
