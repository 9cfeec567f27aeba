package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Dilithium3 implements Scheme with the post-quantum Dilithium mode 3
// parameter set.
type Dilithium3 struct {
	randomSource
}

func NewDilithium3() *Dilithium3 { return &Dilithium3{} }

func (*Dilithium3) Name() string       { return SchemeDilithium3 }
func (*Dilithium3) PublicKeySize() int { return mode3.PublicKeySize }
func (*Dilithium3) SecretKeySize() int { return mode3.PrivateKeySize }
func (*Dilithium3) SignatureSize() int { return mode3.SignatureSize }

func (s *Dilithium3) GenerateKeypair() ([]byte, []byte, error) {
	publicKey, privateKey, err := mode3.GenerateKey(s.reader())
	if err != nil {
		return nil, nil, fmt.Errorf("generate Dilithium3 keypair: %w", err)
	}
	return publicKey.Bytes(), privateKey.Bytes(), nil
}

func (s *Dilithium3) Sign(message, secretKey []byte) ([]byte, error) {
	if len(secretKey) != mode3.PrivateKeySize {
		return nil, fmt.Errorf("invalid Dilithium3 private key length: got %d want %d", len(secretKey), mode3.PrivateKeySize)
	}
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}

	var sk mode3.PrivateKey
	if err := sk.UnmarshalBinary(secretKey); err != nil {
		return nil, fmt.Errorf("decode Dilithium3 private key: %w", err)
	}
	signature := make([]byte, mode3.SignatureSize)
	mode3.SignTo(&sk, message, signature)

	return attach(signature, message), nil
}

func (s *Dilithium3) Open(signedMessage, publicKey []byte) ([]byte, error) {
	if len(publicKey) != mode3.PublicKeySize {
		return nil, fmt.Errorf("invalid Dilithium3 public key length: got %d want %d", len(publicKey), mode3.PublicKeySize)
	}
	signature, message, err := detach(signedMessage, mode3.SignatureSize)
	if err != nil {
		return nil, err
	}

	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return nil, fmt.Errorf("decode Dilithium3 public key: %w", err)
	}
	if !mode3.Verify(&pk, message, signature) {
		return nil, ErrInvalidSignature
	}

	return append([]byte(nil), message...), nil
}
