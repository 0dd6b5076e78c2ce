package exchange

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/golang-jwt/jwt/v4"

	"github.com/trustform/session-bridge/internal/config"
)

// Signer produces the signed client assertion identifying this service to
// the exchange endpoint.
type Signer interface {
	SignAssertion(ctx context.Context, claims jwt.Claims) (string, error)
}

// NewSigner selects the signer implementation from configuration: a local
// PEM key or an AWS KMS key that never leaves the HSM.
func NewSigner(ctx context.Context, cfg config.ExchangeConfig) (Signer, error) {
	if cfg.PrivateKeyARN != "" {
		return NewKMSSigner(ctx, cfg.PrivateKeyARN)
	}
	return NewPEMSigner(cfg.PrivateKey)
}

// PEMSigner signs assertions with an in-memory RSA private key.
type PEMSigner struct {
	key *rsa.PrivateKey
}

func NewPEMSigner(pemKey string) (*PEMSigner, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parsing service principal private key: %w", err)
	}
	return &PEMSigner{key: key}, nil
}

func (s *PEMSigner) SignAssertion(_ context.Context, claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}
	return signed, nil
}

// kmsSignerAPI is the KMS surface used; narrowed for testing.
type kmsSignerAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSSigner signs assertions with an asymmetric KMS key.
type KMSSigner struct {
	client kmsSignerAPI
	keyARN string
}

func NewKMSSigner(ctx context.Context, keyARN string) (*KMSSigner, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return &KMSSigner{client: kms.NewFromConfig(awsCfg), keyARN: keyARN}, nil
}

func (s *KMSSigner) SignAssertion(ctx context.Context, claims jwt.Claims) (string, error) {
	signingString, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SigningString()
	if err != nil {
		return "", fmt.Errorf("encoding client assertion: %w", err)
	}

	digest := sha256.Sum256([]byte(signingString))

	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            &s.keyARN,
		Message:          digest[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		return "", fmt.Errorf("signing client assertion with KMS: %w", err)
	}

	return signingString + "." + base64.RawURLEncoding.EncodeToString(out.Signature), nil
}
