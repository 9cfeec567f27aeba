package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func allSchemes(t *testing.T) []Scheme {
	t.Helper()

	var schemes []Scheme
	for _, name := range Names() {
		scheme, err := New(name)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", name, err)
		}
		schemes = append(schemes, scheme)
	}
	return schemes
}

func TestSignatureValidity(t *testing.T) {
	for _, scheme := range allSchemes(t) {
		t.Run(scheme.Name(), func(t *testing.T) {
			publicKey, secretKey, err := scheme.GenerateKeypair()
			if err != nil {
				t.Fatalf("GenerateKeypair failed: %v", err)
			}
			if len(publicKey) != scheme.PublicKeySize() || len(secretKey) != scheme.SecretKeySize() {
				t.Fatalf("unexpected key sizes pk=%d sk=%d", len(publicKey), len(secretKey))
			}

			data := []byte("Hello World")
			signed, err := scheme.Sign(data, secretKey)
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			if len(signed) != scheme.SignatureSize()+len(data) {
				t.Fatalf("unexpected signed length %d", len(signed))
			}

			opened, err := scheme.Open(signed, publicKey)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(opened, data) {
				t.Fatalf("expected opened message %q, got %q", data, opened)
			}
		})
	}
}

func TestSignatureTamperingRejected(t *testing.T) {
	for _, scheme := range allSchemes(t) {
		t.Run(scheme.Name(), func(t *testing.T) {
			publicKey, secretKey, err := scheme.GenerateKeypair()
			if err != nil {
				t.Fatalf("GenerateKeypair failed: %v", err)
			}

			signed, err := scheme.Sign([]byte("message to protect"), secretKey)
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			signed[len(signed)-1] ^= 0x01

			if _, err := scheme.Open(signed, publicKey); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature for tampered data, got %v", err)
			}
		})
	}
}

func TestOpenWithWrongKeyRejected(t *testing.T) {
	for _, scheme := range allSchemes(t) {
		t.Run(scheme.Name(), func(t *testing.T) {
			_, secretKey, err := scheme.GenerateKeypair()
			if err != nil {
				t.Fatalf("GenerateKeypair failed: %v", err)
			}
			otherPublic, _, err := scheme.GenerateKeypair()
			if err != nil {
				t.Fatalf("GenerateKeypair failed: %v", err)
			}

			signed, err := scheme.Sign([]byte("payload"), secretKey)
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			if _, err := scheme.Open(signed, otherPublic); err == nil {
				t.Fatalf("expected verification with a foreign key to fail")
			}
		})
	}
}

func TestSignRejectsEmptyMessage(t *testing.T) {
	scheme := NewEd25519()
	_, secretKey, err := scheme.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	if _, err := scheme.Sign(nil, secretKey); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestOpenRejectsShortInput(t *testing.T) {
	scheme := NewEd25519()
	publicKey, _, err := scheme.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	if _, err := scheme.Open([]byte("short"), publicKey); !errors.Is(err, ErrMalformedSignedMessage) {
		t.Fatalf("expected ErrMalformedSignedMessage, got %v", err)
	}
}

func TestNewUnknownScheme(t *testing.T) {
	if _, err := New("falcon-1024"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme, got %v", err)
	}
}
