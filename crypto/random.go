package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/sha3"
)

const SeedSize = 48

var drbgDomain = []byte("signmesh/drbg/v1")

// randomSource hands out system randomness until seeded, then a SHAKE256
// stream keyed by the seed.
type randomSource struct {
	mu  sync.Mutex
	xof sha3.ShakeHash
}

func (r *randomSource) SeedRandom(seed []byte) error {
	if len(seed) == 0 {
		return errors.New("seed is required")
	}

	xof := sha3.NewShake256()
	xof.Write(drbgDomain)
	xof.Write(seed)

	r.mu.Lock()
	r.xof = xof
	r.mu.Unlock()
	return nil
}

func (r *randomSource) RandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid random length %d", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r.reader(), out); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return out, nil
}

func (r *randomSource) reader() io.Reader {
	return readerFunc(r.read)
}

func (r *randomSource) read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.xof == nil {
		return rand.Read(p)
	}
	return r.xof.Read(p)
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
