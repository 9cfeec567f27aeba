package crypto

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	SchemeEd25519    = "ed25519"
	SchemeDilithium3 = "dilithium3"
)

var (
	ErrUnknownScheme          = errors.New("unknown signature scheme")
	ErrInvalidSignature       = errors.New("signature verification failed")
	ErrMalformedSignedMessage = errors.New("signed message shorter than signature")
	ErrEmptyMessage           = errors.New("message is required")
)

// Scheme is a sign-attached signature primitive. Signed messages are laid
// out as signature || message.
type Scheme interface {
	Name() string
	PublicKeySize() int
	SecretKeySize() int
	SignatureSize() int

	// SeedRandom switches the scheme's randomness to a deterministic stream
	// derived from seed.
	SeedRandom(seed []byte) error
	RandomBytes(n int) ([]byte, error)

	GenerateKeypair() (publicKey, secretKey []byte, err error)
	Sign(message, secretKey []byte) ([]byte, error)
	// Open verifies a signed message and returns the embedded message.
	Open(signedMessage, publicKey []byte) ([]byte, error)
}

var constructors = map[string]func() Scheme{
	SchemeEd25519:    func() Scheme { return NewEd25519() },
	SchemeDilithium3: func() Scheme { return NewDilithium3() },
}

// New returns a fresh scheme instance by name.
func New(name string) (Scheme, error) {
	ctor, ok := constructors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	return ctor(), nil
}

// Names lists the registered scheme names in sorted order.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func attach(signature, message []byte) []byte {
	out := make([]byte, 0, len(signature)+len(message))
	out = append(out, signature...)
	return append(out, message...)
}

func detach(signedMessage []byte, signatureSize int) (signature, message []byte, err error) {
	if len(signedMessage) < signatureSize {
		return nil, nil, fmt.Errorf("%w: got %d want at least %d", ErrMalformedSignedMessage, len(signedMessage), signatureSize)
	}
	return signedMessage[:signatureSize], signedMessage[signatureSize:], nil
}
