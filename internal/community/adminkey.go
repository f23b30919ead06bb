// internal/community/adminkey.go
package community

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/time/rate"
)

const maxAdminKeyLen = 256

// AdminKey holds a salted Argon2id hash of the administrative API key so the
// plaintext is not kept in memory after startup. Argon2 runs are throttled;
// a key that already verified is recognized by its SHA-256 digest without
// another run.
type AdminKey struct {
	salt    []byte
	hash    []byte
	hashing *rate.Limiter
	known   atomic.Pointer[[sha256.Size]byte]
}

// NewAdminKey hashes secret. An empty secret is rejected.
func NewAdminKey(secret string) (*AdminKey, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("admin key is empty")
	}
	if len(secret) > maxAdminKeyLen {
		return nil, errors.New("admin key is too long")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &AdminKey{
		salt:    salt,
		hash:    deriveKey(secret, salt),
		hashing: rate.NewLimiter(rate.Every(200*time.Millisecond), 10),
	}, nil
}

// Verify checks candidate against the stored hash in constant time. It
// returns ErrUnauthorized for a wrong key and ErrRateLimited when too many
// unrecognized candidates arrived recently.
func (k *AdminKey) Verify(candidate string) error {
	if k == nil || candidate == "" || len(candidate) > maxAdminKeyLen {
		return ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(candidate))
	if known := k.known.Load(); known != nil && subtle.ConstantTimeCompare(digest[:], known[:]) == 1 {
		return nil
	}
	if !k.hashing.Allow() {
		return ErrRateLimited
	}
	if subtle.ConstantTimeCompare(deriveKey(candidate, k.salt), k.hash) != 1 {
		return ErrUnauthorized
	}
	k.known.Store(&digest)
	return nil
}

func deriveKey(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, 2, 19*1024, 1, 32)
}
