package userstore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Password hashes are stored as pbkdf2$<iterations>$<salt_hex>$<hash_hex>.

const (
	defaultIterations = 210_000
	saltLen           = 16
	keyLen            = 32
)

// HashPassword derives a PBKDF2-SHA256 hash with a fresh random salt.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, defaultIterations, keyLen, sha256.New)
	return fmt.Sprintf("pbkdf2$%d$%s$%s",
		defaultIterations, hex.EncodeToString(salt), hex.EncodeToString(key)), nil
}

// VerifyPassword checks password against a stored hash string.
func VerifyPassword(password, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != "pbkdf2" {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return hmac.Equal(got, want)
}
