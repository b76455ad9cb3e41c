package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for admin token hashing.
const (
	adminHashVersion = "v1"
	saltSize         = 16
	keySize          = 32
	memory           = 64 * 1024 // 64 MB
	iterations       = 3
	parallelism      = 4
)

// HashAdminToken derives an argon2id hash of the given token, encoded as
// "v1$<salt>$<key>" with base64 fields. The result goes into
// auth.admin_token_hash in the server configuration.
func HashAdminToken(token string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(token), salt, iterations, memory, uint8(parallelism), keySize)
	return adminHashVersion + "$" +
		base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(key), nil
}

// VerifyAdminToken checks the given token against the configured hash in
// constant time. An empty configured hash disables admin access entirely.
func VerifyAdminToken(token, encodedHash string) bool {
	if token == "" || encodedHash == "" {
		return false
	}

	parts := strings.Split(encodedHash, "$")
	if len(parts) != 3 || parts[0] != adminHashVersion {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil || len(salt) != saltSize {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(want) != keySize {
		return false
	}

	got := argon2.IDKey([]byte(token), salt, iterations, memory, uint8(parallelism), keySize)
	return subtle.ConstantTimeCompare(got, want) == 1
}
