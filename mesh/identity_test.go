package mesh

import (
	"bytes"
	"errors"
	"testing"

	"signmesh/crypto"
)

type failingScheme struct {
	*crypto.Ed25519
}

func (failingScheme) GenerateKeypair() ([]byte, []byte, error) {
	return nil, nil, errors.New("entropy exhausted")
}

func TestSignVerifyRoundTrip(t *testing.T) {
	keys := newKeyPair(t)
	identity := newTestIdentity(t, keys)

	signed, err := identity.Sign([]byte("Hello World"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	payload, err := identity.Verify(signed, keys.public)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if string(payload) != "Hello World" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestVerifyRejectsTamperingAndWrongKey(t *testing.T) {
	keys := newKeyPair(t)
	other := newKeyPair(t)
	identity := newTestIdentity(t, keys)

	signed, err := identity.Sign([]byte("Hello World"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	tampered := append([]byte(nil), signed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := identity.Verify(tampered, keys.public); !IsCryptoKind(err, KindVerify) {
		t.Fatalf("expected verify CryptoError for tampered message, got %v", err)
	}
	if _, err := identity.Verify(signed, other.public); !IsCryptoKind(err, KindVerify) {
		t.Fatalf("expected verify CryptoError for wrong key, got %v", err)
	}
}

func TestSignWithoutKeys(t *testing.T) {
	identity := NewHostIdentity(crypto.NewEd25519())
	_, err := identity.Sign([]byte("x"))
	if !IsCryptoKind(err, KindSign) || !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected sign CryptoError wrapping ErrNoKeys, got %v", err)
	}
}

func TestSignWithInjectedKey(t *testing.T) {
	keys := newKeyPair(t)
	identity := NewHostIdentity(crypto.NewEd25519())

	signed, err := identity.SignWithKey([]byte("payload"), keys.private)
	if err != nil {
		t.Fatalf("SignWithKey failed: %v", err)
	}
	if _, err := identity.Verify(signed, keys.public); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestGenerateKeypairFailureKeepsKeys(t *testing.T) {
	keys := newKeyPair(t)
	identity := NewHostIdentity(failingScheme{crypto.NewEd25519()})
	if err := identity.Load(keys.public, keys.private); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	err := identity.GenerateKeypair()
	if !IsCryptoKind(err, KindKeygen) {
		t.Fatalf("expected keygen CryptoError, got %v", err)
	}
	if !bytes.Equal(identity.VerificationKey, keys.public) || !bytes.Equal(identity.SigningKey, keys.private) {
		t.Fatalf("expected keys to be untouched after failed keygen")
	}
}

func TestInitializeSeedsDeterministically(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, crypto.SeedSize)

	first := NewHostIdentity(crypto.NewEd25519())
	second := NewHostIdentity(crypto.NewEd25519())
	if err := first.Initialize(bytes.NewReader(seed)); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := second.Initialize(bytes.NewReader(seed)); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if first.Seed != second.Seed {
		t.Fatalf("expected recorded seeds to match")
	}
	if err := first.GenerateKeypair(); err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	if err := second.GenerateKeypair(); err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	if !bytes.Equal(first.VerificationKey, second.VerificationKey) {
		t.Fatalf("expected identical seeds to yield identical keys")
	}
	if first.Fingerprint() == "" {
		t.Fatalf("expected fingerprint once keys exist")
	}
}

func TestInitializeShortSeedFails(t *testing.T) {
	identity := NewHostIdentity(crypto.NewEd25519())
	if err := identity.Initialize(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Fatalf("expected short seed read to fail")
	}
}

func TestLoadRejectsHalfKeypair(t *testing.T) {
	keys := newKeyPair(t)
	identity := NewHostIdentity(crypto.NewEd25519())
	if err := identity.Load(keys.public, nil); err == nil {
		t.Fatalf("expected half-populated keypair to be rejected")
	}
	if identity.HasKeys() {
		t.Fatalf("expected no keys after rejected load")
	}
}
