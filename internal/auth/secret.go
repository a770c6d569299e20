package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidSecret = errors.New("invalid machine secret")

func HashSecret(secret string) (string, error) {
	if len(secret) < 8 {
		return "", errors.New("machine secret must be at least 8 characters")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func CheckSecret(hash, secret string) error {
	if hash == "" || secret == "" {
		return ErrInvalidSecret
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrInvalidSecret
	}
	return nil
}

// EqualSecret compares a presented secret with a configured one in constant time.
func EqualSecret(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
