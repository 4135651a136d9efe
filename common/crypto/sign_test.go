package crypto_test

import (
	"strings"
	"testing"

	"github.com/bdobrica/Sekisho/common/crypto"
)

func makeKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSignVerify_Roundtrip(t *testing.T) {
	key := makeKey(t)

	sig, err := crypto.Sign(key, "token-prefix-abc123")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if len(sig) != crypto.SignatureSize {
		t.Errorf("signature length = %d, want %d", len(sig), crypto.SignatureSize)
	}
	if sig != strings.ToLower(sig) {
		t.Errorf("signature should be lowercase hex, got %q", sig)
	}

	if !crypto.VerifySignature(key, "token-prefix-abc123", sig) {
		t.Error("VerifySignature rejected a valid signature")
	}
}

func TestSign_Deterministic(t *testing.T) {
	key := makeKey(t)

	s1, err := crypto.Sign(key, "same input")
	if err != nil {
		t.Fatalf("first Sign: %v", err)
	}
	s2, err := crypto.Sign(key, "same input")
	if err != nil {
		t.Fatalf("second Sign: %v", err)
	}

	if s1 != s2 {
		t.Error("two signatures of the same input under the same key differ")
	}
}

func TestSign_InvalidKeySize(t *testing.T) {
	cases := []struct {
		name string
		key  []byte
	}{
		{"empty", []byte{}},
		{"16-byte", make([]byte, 16)},
		{"31-byte", make([]byte, 31)},
		{"33-byte", make([]byte, 33)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := crypto.Sign(tc.key, "data")
			if err == nil {
				t.Fatal("expected error for invalid key size, got nil")
			}
		})
	}
}

func TestVerifySignature_Tampered(t *testing.T) {
	key := makeKey(t)

	sig, err := crypto.Sign(key, "payload")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Flip the last hex digit
	flipped := sig[:len(sig)-1] + flipHexDigit(sig[len(sig)-1])
	if crypto.VerifySignature(key, "payload", flipped) {
		t.Error("VerifySignature accepted a tampered signature")
	}
}

func TestVerifySignature_WrongKey(t *testing.T) {
	key1 := makeKey(t)
	key2 := make([]byte, crypto.KeySize)
	for i := range key2 {
		key2[i] = byte(i + 100)
	}

	sig, err := crypto.Sign(key1, "payload")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if crypto.VerifySignature(key2, "payload", sig) {
		t.Error("VerifySignature accepted a signature from a different key")
	}
}

func TestVerifySignature_WrongData(t *testing.T) {
	key := makeKey(t)

	sig, err := crypto.Sign(key, "payload")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if crypto.VerifySignature(key, "other payload", sig) {
		t.Error("VerifySignature accepted a signature over different data")
	}
}

func TestGenerateKey(t *testing.T) {
	k1, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(k1) != crypto.KeySize {
		t.Fatalf("key length = %d, want %d", len(k1), crypto.KeySize)
	}

	k2, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("second GenerateKey: %v", err)
	}
	if string(k1) == string(k2) {
		t.Error("two generated keys are identical")
	}
}

func flipHexDigit(c byte) string {
	if c == 'a' {
		return "b"
	}
	return "a"
}
