package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// Ed25519 implements Scheme with crypto/ed25519.
type Ed25519 struct {
	randomSource
}

func NewEd25519() *Ed25519 { return &Ed25519{} }

func (*Ed25519) Name() string       { return SchemeEd25519 }
func (*Ed25519) PublicKeySize() int { return ed25519.PublicKeySize }
func (*Ed25519) SecretKeySize() int { return ed25519.PrivateKeySize }
func (*Ed25519) SignatureSize() int { return ed25519.SignatureSize }

func (s *Ed25519) GenerateKeypair() ([]byte, []byte, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(s.reader())
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return publicKey, privateKey, nil
}

// Sign signs message and returns signature || message.
func (s *Ed25519) Sign(message, secretKey []byte) ([]byte, error) {
	if len(secretKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(secretKey), ed25519.PrivateKeySize)
	}
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}

	return attach(ed25519.Sign(ed25519.PrivateKey(secretKey), message), message), nil
}

func (s *Ed25519) Open(signedMessage, publicKey []byte) ([]byte, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key length: got %d want %d", len(publicKey), ed25519.PublicKeySize)
	}
	signature, message, err := detach(signedMessage, ed25519.SignatureSize)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return nil, ErrInvalidSignature
	}

	return append([]byte(nil), message...), nil
}
