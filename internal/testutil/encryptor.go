package testutil

import (
	"testing"

	"okoa-go/internal/encryption"
	"okoa-go/internal/okoa"
)

// TestPassphrase unlocks encryptors created by NewUnlockedEncryptor.
const TestPassphrase = "correct horse battery staple"

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() okoa.Encryptor {
	return encryption.NewTestEncryptor()
}

// NewUnlockedEncryptor returns a test encryptor together with its unlocked
// decryption context.
func NewUnlockedEncryptor(t *testing.T) (okoa.Encryptor, okoa.DecryptionContext) {
	t.Helper()

	enc := encryption.NewTestEncryptor()
	dc, err := enc.Unlock(TestPassphrase)
	if err != nil {
		t.Fatalf("unlocking test encryptor: %v", err)
	}
	return enc, dc
}
