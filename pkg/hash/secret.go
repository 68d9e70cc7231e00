// Package hash stores node secrets as bcrypt hashes.
package hash

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCost      = 12
	MinSecretLength = 12
)

func Hash(secret string) (string, error) {
	if len(secret) < MinSecretLength {
		return "", fmt.Errorf("node secret must be at least %d characters", MinSecretLength)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}

	return string(hashed), nil
}

func Compare(hashedSecret, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedSecret), []byte(secret))
}
