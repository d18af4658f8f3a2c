package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// randRead is swappable in tests to force entropy failures
var randRead = rand.Read

// tempPasswordAlphabet avoids ambiguous characters (0/O, 1/l)
const tempPasswordAlphabet = "abcdefghijkmnpqrstuvwxyzACDEFGHJKLMNPQRSTUVWXYZ23456789"

// TempPasswordLength is long enough to clear ValidatePasswordComplexity
const TempPasswordLength = 16

// VerifyRecoverySecret compares the presented secret against the configured
// one in constant time. Hashing first keeps the comparison length-blind.
func VerifyRecoverySecret(presented, configured string) bool {
	if configured == "" {
		return false
	}
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// GenerateTempPassword returns a random password for recovery flows where
// the operator did not supply one.
func GenerateTempPassword() (string, error) {
	buf := make([]byte, TempPasswordLength)
	if _, err := randRead(buf); err != nil {
		return "", fmt.Errorf("generate temp password: %w", err)
	}
	for i, b := range buf {
		buf[i] = tempPasswordAlphabet[int(b)%len(tempPasswordAlphabet)]
	}
	return string(buf), nil
}
