package mesh

import (
	"fmt"
	"io"

	"signmesh/crypto"
)

// HostIdentity holds the seed and key pair of one host. Keys are either
// both empty or both populated.
type HostIdentity struct {
	scheme crypto.Scheme

	Seed            [crypto.SeedSize]byte
	SigningKey      []byte
	VerificationKey []byte
}

func NewHostIdentity(scheme crypto.Scheme) *HostIdentity {
	return &HostIdentity{scheme: scheme}
}

// Scheme returns the signature scheme backing this identity.
func (id *HostIdentity) Scheme() crypto.Scheme { return id.scheme }

// Initialize draws a fresh seed from random and seeds the scheme with it.
func (id *HostIdentity) Initialize(random io.Reader) error {
	var seed [crypto.SeedSize]byte
	if _, err := io.ReadFull(random, seed[:]); err != nil {
		return fmt.Errorf("read identity seed: %w", err)
	}
	if err := id.scheme.SeedRandom(seed[:]); err != nil {
		return fmt.Errorf("seed %s: %w", id.scheme.Name(), err)
	}
	id.Seed = seed
	return nil
}

// Load installs persisted key material after checking its sizes.
func (id *HostIdentity) Load(verificationKey, signingKey []byte) error {
	if err := crypto.CheckKeySizes(id.scheme, verificationKey, signingKey); err != nil {
		return err
	}
	id.VerificationKey = append([]byte(nil), verificationKey...)
	id.SigningKey = append([]byte(nil), signingKey...)
	if len(id.VerificationKey) == 0 {
		id.VerificationKey, id.SigningKey = nil, nil
	}
	return nil
}

// GenerateKeypair replaces both keys. On failure the previous keys remain.
func (id *HostIdentity) GenerateKeypair() error {
	publicKey, secretKey, err := id.scheme.GenerateKeypair()
	if err != nil {
		return &CryptoError{Kind: KindKeygen, Err: err}
	}
	id.VerificationKey, id.SigningKey = publicKey, secretKey
	return nil
}

// HasKeys reports whether key material is present.
func (id *HostIdentity) HasKeys() bool {
	return len(id.SigningKey) > 0
}

// Sign signs message with the resident signing key.
func (id *HostIdentity) Sign(message []byte) ([]byte, error) {
	if !id.HasKeys() {
		return nil, &CryptoError{Kind: KindSign, Err: ErrNoKeys}
	}
	return id.SignWithKey(message, id.SigningKey)
}

// SignWithKey signs message with caller-supplied key material.
func (id *HostIdentity) SignWithKey(message, signingKey []byte) ([]byte, error) {
	signed, err := id.scheme.Sign(message, signingKey)
	if err != nil {
		return nil, &CryptoError{Kind: KindSign, Err: err}
	}
	return signed, nil
}

// Verify opens a signed message with a foreign verification key and
// returns the embedded payload.
func (id *HostIdentity) Verify(signed, verificationKey []byte) ([]byte, error) {
	payload, err := id.scheme.Open(signed, verificationKey)
	if err != nil {
		return nil, &CryptoError{Kind: KindVerify, Err: err}
	}
	return payload, nil
}

// Fingerprint returns the fingerprint of the verification key, or "" when
// no keys exist.
func (id *HostIdentity) Fingerprint() string {
	if len(id.VerificationKey) == 0 {
		return ""
	}
	return crypto.KeyFingerprint(id.VerificationKey)
}

func (id *HostIdentity) String() string {
	return fmt.Sprintf("%s seed=%s pk=%s sk=%s",
		id.scheme.Name(),
		crypto.KeyPrefix(id.Seed[:], 8),
		crypto.KeyPrefix(id.VerificationKey, 8),
		crypto.KeyPrefix(id.SigningKey, 4),
	)
}
