package encryption

import (
	"bytes"
	"fmt"
	"io"

	"okoa-go/internal/okoa"
)

// testHeader is prepended to payloads by TestEncryptor so sealed bytes are
// visibly different from plaintext while staying deterministic.
var testHeader = []byte("OKOASEAL")

// TestEncryptor is a deterministic, reversible encryptor for tests and local
// development. It prepends a fixed 8-byte header when sealing and strips it
// when opening. An empty passphrase is refused by Unlock so tests can
// exercise the locked path.
type TestEncryptor struct {
	setupCalled bool
}

var _ okoa.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (okoa.DecryptionContext, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext strips the test header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ okoa.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
