// Package encryption provides the AEAD primitives used to seal cached tokens
// and the interactive session ticket cookie.
package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// NewAEADFromFile loads a cleartext JSON Tink keyset from disk and returns
// its AEAD primitive. The file is expected to be a mounted secret with
// filesystem-level protection.
func NewAEADFromFile(path string) (tink.AEAD, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyset file: %w", err)
	}
	defer f.Close()

	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading keyset: %w", err)
	}

	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	return primitive, nil
}

// WriteNewKeyset generates a fresh AES256-GCM keyset and writes it as
// cleartext JSON. Used by the keyset bootstrap utility.
func WriteNewKeyset(w io.Writer) error {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return fmt.Errorf("creating keyset handle: %w", err)
	}

	if err := insecurecleartextkeyset.Write(handle, keyset.NewJSONWriter(w)); err != nil {
		return fmt.Errorf("writing keyset: %w", err)
	}

	return nil
}

// Validate performs a test encryption/decryption cycle to verify the AEAD is
// working. Call this at startup to fail fast if encryption is misconfigured.
func Validate(a tink.AEAD) error {
	testPlaintext := []byte("session-bridge-encryption-test")
	testAAD := []byte("validation")

	ciphertext, err := a.Encrypt(testPlaintext, testAAD)
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := a.Decrypt(ciphertext, testAAD)
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(testPlaintext, decrypted) {
		return fmt.Errorf("validation round-trip failed: plaintext mismatch")
	}

	return nil
}

// NewTestAEAD creates a tink.AEAD for testing without a persisted keyset.
// Only use in tests — keys are not persisted or protected.
func NewTestAEAD() (tink.AEAD, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("creating test keyset handle: %w", err)
	}
	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating test AEAD primitive: %w", err)
	}
	return primitive, nil
}
