package controlplane

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidCredential is returned when a credential is invalid, expired,
// or revoked.
var ErrInvalidCredential = errors.New("invalid credential")

// errUnknownHashType is returned when a stored hash has an unrecognized format.
var errUnknownHashType = errors.New("unknown hash type")

// argon2idParams are OWASP's minimum recommended Argon2id parameters.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// hashSHA256 returns the SHA-256 hex hash of raw, used for the fast-path
// direct-lookup index; new keys are minted with Argon2id (hashArgon2id)
// and found via the fallback iteration in validateCredential.
func hashSHA256(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashKeyArgon2id returns an Argon2id PHC-format hash of raw with a random
// salt, using OWASP's minimum parameters. Exported for the gatewayd
// hash-key subcommand, which mints credentials offline.
func HashKeyArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

func detectHashType(stored string) string {
	if strings.HasPrefix(stored, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(stored, "sha256:") {
		return "sha256"
	}
	if len(stored) == 64 && isHexString(stored) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// verifyKey checks raw against a stored hash of any supported format.
func verifyKey(raw, stored string) (bool, error) {
	switch detectHashType(stored) {
	case "argon2id":
		return safeArgon2idCompare(raw, stored)
	case "sha256":
		expected := strings.TrimPrefix(stored, "sha256:")
		return subtle.ConstantTimeCompare([]byte(hashSHA256(raw)), []byte(expected)) == 1, nil
	default:
		return false, errUnknownHashType
	}
}

// safeArgon2idCompare recovers from the argon2id library's panic on a
// malformed PHC hash (e.g. zero iterations), converting it to an error so
// a corrupt stored record can never crash credential validation.
func safeArgon2idCompare(raw, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, stored)
}
