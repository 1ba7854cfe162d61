package cryptoservice

import (
	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
)

// SensitiveFieldEncrypted is the sentinel flag EncryptUserConfig sets on a
// config map once its enumerated sensitive fields have been encrypted
// in place (spec.md §4.1).
const SensitiveFieldEncrypted = "__sensitiveFieldsEncrypted"

// subtitleProviderCredentialFields are the per-provider fields encrypted
// individually for every entry under config["subtitleProviders"].
var subtitleProviderCredentialFields = []string{"apiKey", "username", "password"}

// alternativeProviderCredentialFields are the per-provider fields
// encrypted individually for every entry under config["alternativeProviders"].
var alternativeProviderCredentialFields = []string{"apiKey"}

// EncryptUserConfig encrypts the fixed, enumerated set of sensitive fields
// in cfg in place and marks the envelope with a sentinel flag. cfg is
// mutated and also returned for convenience. Rotation-key arrays are
// encrypted element-wise.
func (s *Service) EncryptUserConfig(cfg map[string]any) (map[string]any, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}

	if err := s.encryptStringField(cfg, "geminiApiKey"); err != nil {
		return nil, err
	}
	if err := s.encryptStringField(cfg, "asrApiKey"); err != nil {
		return nil, err
	}
	if err := s.encryptStringField(cfg, "captioningApiKey"); err != nil {
		return nil, err
	}
	if err := s.encryptStringArrayField(cfg, "geminiApiKeys"); err != nil {
		return nil, err
	}

	if err := s.encryptNestedMapList(cfg, "subtitleProviders", subtitleProviderCredentialFields); err != nil {
		return nil, err
	}
	if err := s.encryptNestedMapList(cfg, "alternativeProviders", alternativeProviderCredentialFields); err != nil {
		return nil, err
	}

	cfg[SensitiveFieldEncrypted] = true
	return cfg, nil
}

// DecryptUserConfig mirrors EncryptUserConfig's enumeration. When a field
// carries the encryption version tag but decryption fails, the field is
// cleared rather than returned ciphertext (spec.md §4.1, §9) and its name
// is appended to the returned warnings list so callers can diagnose
// cross-instance key mismatches.
func (s *Service) DecryptUserConfig(cfg map[string]any) (map[string]any, []string, error) {
	if cfg == nil {
		return map[string]any{}, nil, nil
	}
	var warnings []string

	decryptField := func(name string) {
		if s.decryptStringFieldInPlace(cfg, name) {
			warnings = append(warnings, name)
		}
	}
	decryptField("geminiApiKey")
	decryptField("asrApiKey")
	decryptField("captioningApiKey")

	if failed := s.decryptStringArrayFieldInPlace(cfg, "geminiApiKeys"); len(failed) > 0 {
		warnings = append(warnings, failed...)
	}

	if failed := s.decryptNestedMapList(cfg, "subtitleProviders", subtitleProviderCredentialFields); len(failed) > 0 {
		warnings = append(warnings, failed...)
	}
	if failed := s.decryptNestedMapList(cfg, "alternativeProviders", alternativeProviderCredentialFields); len(failed) > 0 {
		warnings = append(warnings, failed...)
	}

	delete(cfg, SensitiveFieldEncrypted)
	return cfg, warnings, nil
}

func (s *Service) encryptStringField(cfg map[string]any, field string) error {
	raw, ok := cfg[field]
	if !ok || raw == nil {
		return nil
	}
	str, ok := raw.(string)
	if !ok || str == "" || IsEncrypted(str) {
		return nil
	}
	enc, err := s.EncryptString(str)
	if err != nil {
		return err
	}
	cfg[field] = enc
	return nil
}

func (s *Service) encryptStringArrayField(cfg map[string]any, field string) error {
	raw, ok := cfg[field]
	if !ok || raw == nil {
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]any, len(arr))
	for i, el := range arr {
		str, ok := el.(string)
		if !ok || str == "" || IsEncrypted(str) {
			out[i] = el
			continue
		}
		enc, err := s.EncryptString(str)
		if err != nil {
			return err
		}
		out[i] = enc
	}
	cfg[field] = out
	return nil
}

func (s *Service) encryptNestedMapList(cfg map[string]any, listField string, credentialFields []string) error {
	raw, ok := cfg[listField]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		for _, f := range credentialFields {
			if err := s.encryptStringField(m, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// decryptStringFieldInPlace returns true if the field carried the
// envelope tag but decryption failed (a warning for the caller).
func (s *Service) decryptStringFieldInPlace(cfg map[string]any, field string) bool {
	raw, ok := cfg[field]
	if !ok || raw == nil {
		return false
	}
	str, ok := raw.(string)
	if !ok {
		return false
	}
	if !IsEncrypted(str) {
		return false
	}
	plain, err := s.DecryptString(str)
	if err != nil {
		observability.Default().Warn("failed to decrypt config field; clearing rather than forwarding ciphertext",
			zap.String("field", field))
		cfg[field] = ""
		return true
	}
	cfg[field] = plain
	return false
}

func (s *Service) decryptStringArrayFieldInPlace(cfg map[string]any, field string) []string {
	raw, ok := cfg[field]
	if !ok || raw == nil {
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	var failed []string
	out := make([]any, len(arr))
	for i, el := range arr {
		str, ok := el.(string)
		if !ok || !IsEncrypted(str) {
			out[i] = el
			continue
		}
		plain, err := s.DecryptString(str)
		if err != nil {
			out[i] = ""
			failed = append(failed, field)
			continue
		}
		out[i] = plain
	}
	cfg[field] = out
	return failed
}

func (s *Service) decryptNestedMapList(cfg map[string]any, listField string, credentialFields []string) []string {
	raw, ok := cfg[listField]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var failed []string
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		for _, f := range credentialFields {
			if s.decryptStringFieldInPlace(m, f) {
				failed = append(failed, listField+"."+f)
			}
		}
	}
	return failed
}
