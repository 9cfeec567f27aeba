package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrHostStopped is returned by every operation on a stopped host.
	ErrHostStopped = errors.New("mesh: host stopped")
	// ErrNotRunning indicates an operation that needs a running host.
	ErrNotRunning = errors.New("mesh: host not running")
	// ErrSelfConnection indicates a peer equal to the host's own listen address.
	ErrSelfConnection = errors.New("mesh: peer is the host itself")
	// ErrDuplicatePeer indicates a peer already present in the roster.
	ErrDuplicatePeer = errors.New("mesh: peer already in roster")
	// ErrUnknownSender indicates a message from an address outside the roster.
	ErrUnknownSender = errors.New("mesh: sender not in roster")
	// ErrUnknownPeer indicates an address with no roster entry.
	ErrUnknownPeer = errors.New("mesh: peer not in roster")
	// ErrEmptyPayload indicates a verified message without content.
	ErrEmptyPayload = errors.New("mesh: empty payload")
	// ErrNoKeys indicates a sign attempt before key material exists.
	ErrNoKeys = errors.New("mesh: no signing key")
)

// CryptoKind names the failed signature operation.
type CryptoKind string

const (
	KindKeygen CryptoKind = "keygen"
	KindSign   CryptoKind = "sign"
	KindVerify CryptoKind = "verify"
)

// CryptoError reports a failure of the signature collaborator.
type CryptoError struct {
	Kind CryptoKind
	Err  error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("mesh: %s failed: %v", e.Kind, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// ConnectError reports a transport connect attempt that failed synchronously.
type ConnectError struct {
	Address string
	Port    uint16
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mesh: connect %s:%d: %v", e.Address, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsCryptoKind reports whether err is a CryptoError of kind.
func IsCryptoKind(err error, kind CryptoKind) bool {
	var cryptoErr *CryptoError
	return errors.As(err, &cryptoErr) && cryptoErr.Kind == kind
}
