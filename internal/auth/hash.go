package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters. Changing these invalidates stored hashes, so
// operators would need to re-issue credentials.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

func deriveKey(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// HashCredential derives an Argon2id hash of a token-exchange credential
// under a fresh random salt. The result is stored as "salt$hash", both
// parts base64.
func HashCredential(credential string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	key := deriveKey(credential, salt)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(key), nil
}

// VerifyCredential reports whether credential matches an encoded hash
// produced by HashCredential. The comparison is constant-time.
func VerifyCredential(credential, encoded string) (bool, error) {
	saltPart, hashPart, found := strings.Cut(encoded, "$")
	if !found {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	got := deriveKey(credential, salt)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify burns the same Argon2id work as a real verification. The
// unknown-client path of the token exchange calls it so rejection latency
// is the same whether or not the client id exists.
func DummyVerify() {
	deriveKey("dummy", make([]byte, saltLen))
}
