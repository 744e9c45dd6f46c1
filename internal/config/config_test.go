package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GMAIL_EMAIL", "GMAIL_PASSWORD", "GMAIL_CLIENT_ID", "GMAIL_CLIENT_SECRET",
		"OAUTH2_TOKEN_FILE", "BACKUP_DIR", "IMAP_SERVER", "IMAP_PORT", "IMAP_NO_SSL",
		"MAX_WORKERS", "MAX_RETRIES", "BATCH", "ARCHIVE", "TLS_SKIP_VERIFY",
		"LOG_LEVEL", "SCHEDULE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_DefaultsMatchTeacherBaseline(t *testing.T) {
	// Arrange
	clearEnv(t)

	// Act
	cfg, err := Load()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "./backups", cfg.BackupDir)
	assert.Equal(t, 993, cfg.ImapPort)
	assert.False(t, cfg.NoSSL)
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.False(t, cfg.Batch)
	assert.True(t, cfg.Archive)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.ImapServer, "left empty so the Discoverer isn't silently overridden for every account")
}

func TestLoad_OAuth2TokenFileDefaultsUnderUserConfigDir(t *testing.T) {
	// Arrange
	clearEnv(t)

	// Act
	cfg, err := Load()

	// Assert
	require.NoError(t, err)
	assert.Contains(t, cfg.OAuth2TokenFile, "mailreap")
	assert.Contains(t, cfg.OAuth2TokenFile, "token.json")
}

func TestLoad_ExplicitOAuth2TokenFileIsNotOverridden(t *testing.T) {
	// Arrange
	clearEnv(t)
	t.Setenv("OAUTH2_TOKEN_FILE", "/tmp/custom-token.json")

	// Act
	cfg, err := Load()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-token.json", cfg.OAuth2TokenFile)
}

func TestConfig_Domain_LowercasesAndSplitsOnAt(t *testing.T) {
	cfg := Config{Email: "Alice@Example.COM"}
	assert.Equal(t, "example.com", cfg.Domain())
}

func TestConfig_Domain_EmptyWhenNoAtSign(t *testing.T) {
	cfg := Config{Email: "not-an-email"}
	assert.Empty(t, cfg.Domain())
}

func TestConfig_UseOAuth2_RequiresBothIDAndSecret(t *testing.T) {
	assert.False(t, (Config{}).UseOAuth2())
	assert.False(t, (Config{ClientID: "id"}).UseOAuth2())
	assert.False(t, (Config{ClientSecret: "secret"}).UseOAuth2())
	assert.True(t, (Config{ClientID: "id", ClientSecret: "secret"}).UseOAuth2())
}
