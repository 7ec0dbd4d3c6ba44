package crypto

import "crypto/rand"

// RandomSource supplies random bytes. It exists so tests can make nonce
// generation deterministic; production code uses SystemRandom.
type RandomSource interface {
	// Bytes returns n cryptographically secure random bytes.
	Bytes(n int) ([]byte, error)
}

// SystemRandom is the crypto/rand backed RandomSource.
var SystemRandom RandomSource = systemRandom{}

type systemRandom struct{}

func (systemRandom) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
