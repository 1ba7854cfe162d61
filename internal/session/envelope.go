// Package session implements the Session Manager (spec.md §4.6): opaque
// token issuance, the encrypted config envelope's lifecycle, the
// dual-identity integrity check, an in-memory LRU over both the envelope
// and its decrypted config, and snapshot/restore.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// metaSessionToken and metaSessionFingerprint are the fields embedded
// inside the stored config itself, independent of the envelope's own
// tokenFingerprint/fingerprint — the "dual-identity" check in spec.md §3
// compares both representations to catch prefix collisions or mis-keyed
// writes.
const (
	metaSessionToken       = "__sessionToken"
	metaSessionFingerprint = "__sessionFingerprint"
)

// ErrMalformedEnvelope is returned when a stored envelope fails structural
// validation before any cryptographic check runs.
var ErrMalformedEnvelope = errors.New("session: malformed envelope")

// Envelope is the persisted record for one session token (spec.md §3
// "Session Envelope").
type Envelope struct {
	Token            string         `json:"token"`
	TokenFingerprint string         `json:"tokenFingerprint"`
	Config           map[string]any `json:"config"`
	Fingerprint      string         `json:"fingerprint"`
	Integrity        string         `json:"integrity"`
	CreatedAt        time.Time      `json:"createdAt"`
	LastAccessedAt   time.Time      `json:"lastAccessedAt"`
}

// generateToken returns 128 random bits rendered as 32 lowercase hex
// characters (spec.md §3, §4.6).
func generateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "session: generate token")
	}
	return hex.EncodeToString(buf), nil
}

// truncatedSHA256Hex returns the first n hex characters of sha256(s).
func truncatedSHA256Hex(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	full := hex.EncodeToString(sum[:])
	if n > len(full) {
		n = len(full)
	}
	return full[:n]
}

func tokenFingerprintOf(token string) string {
	return truncatedSHA256Hex(token, 16)
}

// fingerprintOf computes the 16-char truncated SHA-256 of the decrypted
// config sans metadata — cfg must already have the embedded
// __sessionToken/__sessionFingerprint fields stripped (stripMetadata).
// encoding/json marshals map keys in sorted order, giving a deterministic
// serialization without a custom canonicalizer.
func fingerprintOf(cfg map[string]any) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", errors.Wrap(err, "session: serialize config for fingerprint")
	}
	return truncatedSHA256Hex(string(data), 16), nil
}

func integrityOf(token, fingerprint string) string {
	return truncatedSHA256Hex(token+"|"+fingerprint, 24)
}

// stripMetadata returns a shallow copy of cfg without the embedded
// session-identity fields, suitable for fingerprinting.
func stripMetadata(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if k == metaSessionToken || k == metaSessionFingerprint {
			continue
		}
		out[k] = v
	}
	return out
}

// cloneConfig deep-clones cfg via a JSON round trip, used both to embed a
// defensive copy in the decrypted-config cache and to hand callers a
// fresh value they cannot use to mutate cached state (spec.md §4.6
// "every read returns a fresh clone").
func cloneConfig(cfg map[string]any) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
