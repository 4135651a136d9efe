// Package crypto provides HMAC-SHA256 signing helpers for capability tokens.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	// KeySize is the required signing-key length (32 bytes / 256 bits).
	KeySize = 32
	// SignatureSize is the length of a hex-encoded HMAC-SHA256 signature.
	SignatureSize = sha256.Size * 2
)

var ErrInvalidKeySize = fmt.Errorf("key must be exactly %d bytes", KeySize)

// Sign computes the hex-encoded HMAC-SHA256 of data under the given 32-byte key.
func Sign(key []byte, data string) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidKeySize
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature reports whether sigHex is the HMAC-SHA256 of data under key.
// The comparison is constant-time so that signature guessing does not leak
// prefix-match information through timing.
func VerifySignature(key []byte, data, sigHex string) bool {
	want, err := Sign(key, data)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(sigHex), []byte(want))
}

// GenerateKey returns KeySize bytes from the operating system's CSPRNG.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
