package cryptoservice

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, keySizeBytes)
	for i := range key {
		key[i] = byte(i)
	}
	return hex.EncodeToString(key)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(testKey(t), "", observability.NewNoop())
	require.NoError(t, err)
	return svc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newTestService(t)

	plaintext := []byte("AIza-super-secret-value")
	envelope, err := svc.Encrypt(plaintext)
	require.NoError(t, err)

	assert.True(t, IsEncrypted(envelope))
	parts := strings.Split(envelope, ":")
	require.Len(t, parts, 4)
	assert.Equal(t, "1", parts[0])

	got, err := svc.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestTamperedEnvelopeNeverReturnsPartialPlaintext(t *testing.T) {
	svc := newTestService(t)

	envelope, err := svc.EncryptString("super-secret")
	require.NoError(t, err)

	parts := strings.Split(envelope, ":")
	// Flip a byte in the ciphertext portion.
	mangled := []byte(parts[3])
	if mangled[0] == 'A' {
		mangled[0] = 'B'
	} else {
		mangled[0] = 'A'
	}
	parts[3] = string(mangled)
	tampered := strings.Join(parts, ":")

	plain, err := svc.DecryptString(tampered)
	assert.Error(t, err)
	assert.Empty(t, plain)
}

func TestKeyAcquisitionFromEnv(t *testing.T) {
	svc, err := New(testKey(t), "", observability.NewNoop())
	require.NoError(t, err)
	require.NotNil(t, svc)
}

func TestKeyAcquisitionInvalidEnvKeyIsFatal(t *testing.T) {
	_, err := New("not-64-hex-chars", "", observability.NewNoop())
	assert.ErrorIs(t, err, ErrKeyAcquisitionFailed)
}

func TestKeyfileGeneratedOnceAndReused(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "encryption.key")

	svc1, err := New("", path, observability.NewNoop())
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	svc2, err := New("", path, observability.NewNoop())
	require.NoError(t, err)

	envelope, err := svc1.EncryptString("hello")
	require.NoError(t, err)
	plain, err := svc2.DecryptString(envelope)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)
}

func TestCorruptKeyfileAbortsStartup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "encryption.key")
	require.NoError(t, os.WriteFile(path, []byte("not-a-valid-key"), 0o600))

	_, err := New("", path, observability.NewNoop())
	assert.ErrorIs(t, err, ErrKeyAcquisitionFailed)
}

func TestEncryptUserConfigRoundTrip(t *testing.T) {
	svc := newTestService(t)

	cfg := map[string]any{
		"geminiApiKey":  "AIza-XYZ",
		"geminiApiKeys": []any{"K1", "K2", "K3"},
		"targets":       []any{"spa"},
		"subtitleProviders": []any{
			map[string]any{"name": "opensubtitles", "apiKey": "os-key", "username": "u1", "password": "p1"},
		},
	}

	enc, err := svc.EncryptUserConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enc[SensitiveFieldEncrypted].(bool))
	assert.True(t, IsEncrypted(enc["geminiApiKey"].(string)))
	assert.True(t, strings.HasPrefix(enc["geminiApiKey"].(string), "1:"))

	dec, warnings, err := svc.DecryptUserConfig(enc)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "AIza-XYZ", dec["geminiApiKey"])
	keys := dec["geminiApiKeys"].([]any)
	assert.Equal(t, []any{"K1", "K2", "K3"}, keys)

	provider := dec["subtitleProviders"].([]any)[0].(map[string]any)
	assert.Equal(t, "os-key", provider["apiKey"])
	assert.Equal(t, "u1", provider["username"])
	assert.Equal(t, "p1", provider["password"])
	_, hasFlag := dec[SensitiveFieldEncrypted]
	assert.False(t, hasFlag)
}

func TestDecryptUserConfigClearsFieldOnBrokenCiphertext(t *testing.T) {
	svc := newTestService(t)

	cfg := map[string]any{"geminiApiKey": "1:bm90:bm90:bm90dmFsaWQ="}
	dec, warnings, err := svc.DecryptUserConfig(cfg)
	require.NoError(t, err)
	require.Contains(t, warnings, "geminiApiKey")
	assert.Equal(t, "", dec["geminiApiKey"])
}
