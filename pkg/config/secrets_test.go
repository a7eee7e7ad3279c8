package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := map[string]string{
		SecretAnthropicKey:  "sk-ant-test",
		SecretRealtimeToken: "rt-token",
	}

	require.NoError(t, EncryptSecretsFile(dir, "correct horse", secrets))
	assert.True(t, SecretsFileExists(dir))

	got, err := DecryptSecretsFile(dir, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, secrets, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(dir, "right", map[string]string{"K": "v"}))

	_, err := DecryptSecretsFile(dir, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestDecryptMissingFile(t *testing.T) {
	_, err := DecryptSecretsFile(t.TempDir(), "any")
	require.Error(t, err)
}

func TestDecryptTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, secretsDirName, secretsFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))

	_, err := DecryptSecretsFile(dir, "any")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted")
}

func TestSecretsFilePermissions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(dir, "pw", map[string]string{"K": "v"}))

	info, err := os.Stat(filepath.Join(dir, secretsDirName, secretsFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestGetSecretPrecedence(t *testing.T) {
	SetDecryptedSecrets(map[string]string{"TANDEM_TEST_SECRET": "from-file"})
	defer SetDecryptedSecrets(nil)
	t.Setenv("TANDEM_TEST_SECRET", "from-env")

	got, err := GetSecret("TANDEM_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-file", got, "secrets file wins over env")

	SetDecryptedSecrets(nil)
	got, err = GetSecret("TANDEM_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got, "env is the fallback")
}

func TestGetSecretMissing(t *testing.T) {
	SetDecryptedSecrets(nil)
	_, err := GetSecret("TANDEM_DEFINITELY_ABSENT")
	require.Error(t, err)
}

func TestSetSecretAndSave(t *testing.T) {
	dir := t.TempDir()
	SetDecryptedSecrets(map[string]string{})
	defer SetDecryptedSecrets(nil)

	SetSecret(SecretOpenAIKey, "sk-test")
	assert.Contains(t, SecretNames(), SecretOpenAIKey)

	require.NoError(t, SaveSecretsToFile(dir, "pw"))

	got, err := DecryptSecretsFile(dir, "pw")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got[SecretOpenAIKey])
}
