// Package cryptoservice implements the Crypto Service (spec.md §4.1):
// AES-256-GCM authenticated encryption of secrets, with key acquisition
// from the environment, a persisted keyfile, or fresh generation.
package cryptoservice

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
)

const (
	envelopeVersion = "1"
	keySizeBytes    = 32 // AES-256
	keyHexLen       = keySizeBytes * 2
)

// ErrKeyAcquisitionFailed is returned (and is always fatal to the caller)
// when no usable 256-bit key could be obtained: a keyfile exists but is
// corrupt, or a freshly generated key could not be persisted.
var ErrKeyAcquisitionFailed = errors.New("crypto: key acquisition failed")

// Service is the Crypto Service contract from spec.md §4.1.
type Service struct {
	key    []byte
	logger observability.Logger
}

// New acquires the encryption key per spec §4.1's order (env var, then
// keyfile, then generate-and-persist) and returns a ready Service, or a
// fatal error wrapping ErrKeyAcquisitionFailed.
func New(envKey, keyFilePath string, logger observability.Logger) (*Service, error) {
	if logger == nil {
		logger = observability.Default()
	}

	if envKey != "" {
		key, err := decodeHexKey(envKey)
		if err != nil {
			return nil, errors.Wrap(ErrKeyAcquisitionFailed, "ENCRYPTION_KEY is not 64 hex characters")
		}
		return &Service{key: key, logger: logger}, nil
	}

	if keyFilePath == "" {
		keyFilePath = "./encryption.key"
	}

	if data, err := os.ReadFile(keyFilePath); err == nil {
		key, decErr := decodeHexKey(strings.TrimSpace(string(data)))
		if decErr != nil {
			// A keyfile exists but can't be parsed: never overwrite it,
			// that would silently strand every previously encrypted
			// secret. Abort startup instead (spec §4.1).
			return nil, errors.Wrapf(ErrKeyAcquisitionFailed, "keyfile %s is corrupt: %v", keyFilePath, decErr)
		}
		return &Service{key: key, logger: logger}, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrKeyAcquisitionFailed, "reading keyfile %s: %v", keyFilePath, err)
	}

	key := make([]byte, keySizeBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(ErrKeyAcquisitionFailed, "generating fresh encryption key")
	}
	if err := persistKeyfile(keyFilePath, key); err != nil {
		// In-memory-only keys invalidate every session on restart; abort
		// rather than run with a key nobody can recover (spec §4.1).
		return nil, errors.Wrapf(ErrKeyAcquisitionFailed, "persisting new keyfile %s: %v", keyFilePath, err)
	}
	logger.Warn("generated a new encryption key; back it up", zap.String("keyfile", keyFilePath))
	return &Service{key: key, logger: logger}, nil
}

func persistKeyfile(path string, key []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func decodeHexKey(s string) ([]byte, error) {
	if len(s) != keyHexLen {
		return nil, fmt.Errorf("expected %d hex characters, got %d", keyHexLen, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Service) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt returns the envelope string "1:<iv_b64>:<tag_b64>:<ciphertext_b64>".
func (s *Service) Encrypt(plaintext []byte) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		envelopeVersion,
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// EncryptString is a convenience wrapper around Encrypt for string payloads.
func (s *Service) EncryptString(plaintext string) (string, error) {
	return s.Encrypt([]byte(plaintext))
}

// IsEncrypted reports whether s looks like an envelope produced by Encrypt.
func IsEncrypted(s string) bool {
	parts := strings.Split(s, ":")
	return len(parts) == 4 && parts[0] == envelopeVersion
}

// Decrypt authenticates and decrypts an envelope produced by Encrypt. A
// tampered envelope, wrong key, or malformed shape returns an error and
// never partial plaintext (spec invariant 2).
func (s *Service) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 4 || parts[0] != envelopeVersion {
		return nil, errors.New("crypto: not a recognized envelope")
	}

	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errors.Wrap(err, "crypto: decode iv")
	}
	tag, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, errors.Wrap(err, "crypto: decode tag")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, errors.Wrap(err, "crypto: decode ciphertext")
	}

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return nil, errors.New("crypto: malformed envelope")
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: authentication failed")
	}
	return plaintext, nil
}

// DecryptString is a convenience wrapper around Decrypt for string payloads.
func (s *Service) DecryptString(envelope string) (string, error) {
	plaintext, err := s.Decrypt(envelope)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
