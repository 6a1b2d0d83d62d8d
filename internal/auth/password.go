package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const maxPasswordBytes = 72

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// VerifySecret reports whether candidate matches the principal's stored hash.
func VerifySecret(p Principal, candidate string) bool {
	return VerifyPassword(p.PasswordHash, candidate) == nil
}

// primeDummyHash builds the hash used for unknown principals. NewService
// calls it so no login pays for the generation.
func primeDummyHash() {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("investcalc-unknown-principal"), bcrypt.DefaultCost)
	})
}

// burnPasswordCheck runs a bcrypt comparison against a fixed hash so that
// lookups of unknown principals cost as much as a real verification.
func burnPasswordCheck(candidate string) {
	primeDummyHash()
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(candidate))
}
