// This command is only used for local testing: it mints an identity token
// that can be presented to a locally-running server, either as a bearer token
// or wrapped into a session ticket by the sign-in flow.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Subject         string `env:"UTIL_SUBJECT, default=local-user"`
	Email           string `env:"UTIL_EMAIL, default=local-user@trustform.gov"`
	Issuer          string `env:"UTIL_ISSUER, default=https://id.trustform.gov/local"`
	ValidityMinutes int    `env:"UTIL_VALIDITY_MINUTES, default=60"`

	// SigningKey is the shared secret a local server is configured to accept.
	SigningKey string `env:"UTIL_SIGNING_KEY, default=local-development-key"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":   cfg.Subject,
		"email": cfg.Email,
		"iss":   cfg.Issuer,
		"iat":   now.Unix(),
		"nbf":   now.Add(-1 * time.Minute).Unix(),
		"exp":   now.Add(time.Duration(cfg.ValidityMinutes) * time.Minute).Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(cfg.SigningKey))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s", signed)
}
