package subscriber

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters
const (
	argonMemory      = 64 * 1024
	argonIterations  = 3
	argonParallelism = 2
	argonKeyLength   = 32
	saltLength       = 16
)

// HashPassword returns "salt$hash", both base64 without padding.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(hash), nil
}

// VerifyPassword reports whether password matches a HashPassword result.
func VerifyPassword(encoded, password string) (bool, error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("invalid password hash format")
	}

	salt, err := base64.RawStdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("invalid password salt: %w", err)
	}
	stored, err := base64.RawStdEncoding.DecodeString(hashPart)
	if err != nil {
		return false, fmt.Errorf("invalid password hash: %w", err)
	}

	computed := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, uint32(len(stored)))
	return subtle.ConstantTimeCompare(computed, stored) == 1, nil
}
