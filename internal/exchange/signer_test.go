package exchange

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRSAKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, string(pemKey)
}

func testClaims() jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Issuer:    "session-bridge",
		Subject:   "session-bridge",
		Audience:  jwt.ClaimStrings{"https://internal.example.gov/token/exchange"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
}

func TestPEMSignerProducesVerifiableAssertion(t *testing.T) {
	key, pemKey := testRSAKey(t)

	signer, err := NewPEMSigner(pemKey)
	require.NoError(t, err)

	assertion, err := signer.SignAssertion(context.Background(), testClaims())
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(assertion, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "session-bridge", claims.Issuer)
}

func TestPEMSignerRejectsGarbage(t *testing.T) {
	_, err := NewPEMSigner("not a key")
	assert.Error(t, err)
}

// fakeKMS signs digests locally with a test key, standing in for the KMS
// service.
type fakeKMS struct {
	key *rsa.PrivateKey
}

func (f *fakeKMS) Sign(_ context.Context, in *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	var digest [sha256.Size]byte
	copy(digest[:], in.Message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, f.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{Signature: sig}, nil
}

func TestKMSSignerProducesVerifiableAssertion(t *testing.T) {
	key, _ := testRSAKey(t)

	signer := &KMSSigner{
		client: &fakeKMS{key: key},
		keyARN: "arn:aws:kms:ap-southeast-2:000000000000:key/test",
	}

	assertion, err := signer.SignAssertion(context.Background(), testClaims())
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(assertion, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
}
