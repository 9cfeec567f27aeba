package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeKey renders key material as lowercase hex for config files.
func EncodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

// DecodeKey parses hex key material. An empty string yields an empty key.
func DecodeKey(text string) ([]byte, error) {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode key hex: %w", err)
	}
	return key, nil
}

// CheckKeySizes validates a keypair against a scheme. Both keys empty is valid.
func CheckKeySizes(scheme Scheme, publicKey, secretKey []byte) error {
	if len(publicKey) == 0 && len(secretKey) == 0 {
		return nil
	}
	if len(publicKey) != scheme.PublicKeySize() {
		return fmt.Errorf("invalid %s public key length: got %d want %d", scheme.Name(), len(publicKey), scheme.PublicKeySize())
	}
	if len(secretKey) != scheme.SecretKeySize() {
		return fmt.Errorf("invalid %s private key length: got %d want %d", scheme.Name(), len(secretKey), scheme.SecretKeySize())
	}
	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}

	return b.String()
}

// KeyPrefix renders the first n bytes of a key as hex followed by an ellipsis.
func KeyPrefix(key []byte, n int) string {
	if len(key) == 0 {
		return "<none>"
	}
	if len(key) <= n {
		return hex.EncodeToString(key)
	}
	return hex.EncodeToString(key[:n]) + "..."
}
