package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// MaxKeySize is the hard maximum key length in bytes before truncation
// (spec.md §4.2).
const MaxKeySize = 250

// truncatedKeyLen is how many characters of the original key survive
// truncation before the "_<sha256_16_hex>" suffix is appended.
const truncatedKeyLen = 200

// ErrInvalidKey is returned for non-string or empty keys, which key
// hygiene rejects outright rather than sanitizing (spec.md §4.2).
var ErrInvalidKey = errors.New("storage: empty key")

// unsafeKeyChars are wildcard/structural characters that have special
// meaning to at least one backend's query language (glob on filesystem,
// pattern-match on Redis SCAN/KEYS) and so are replaced defensively on
// every backend regardless of which one a given key will land on.
const unsafeKeyChars = "*?[]\\"

// SanitizeKey applies the mandatory key-hygiene rules from spec.md §4.2:
// reject empty keys, replace wildcard/structural/control/whitespace
// characters with underscore, and truncate+hash keys over MaxKeySize
// bytes so two different raw keys never collide after sanitization.
func SanitizeKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}

	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case strings.ContainsRune(unsafeKeyChars, r):
			b.WriteByte('_')
		case r == '\r' || r == '\n' || r == 0:
			b.WriteByte('_')
		case r == ' ' || r == '\t':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	sanitized := b.String()

	if len(sanitized) <= MaxKeySize {
		return sanitized, nil
	}

	sum := sha256.Sum256([]byte(key))
	suffix := "_" + hex.EncodeToString(sum[:])[:16]
	return sanitized[:truncatedKeyLen] + suffix, nil
}
