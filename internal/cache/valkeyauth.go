package cache

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/chinmina/iamcacheauth"
	"github.com/valkey-io/valkey-go"

	"github.com/trustform/session-bridge/internal/config"
)

// AuthFn supplies credentials for each new valkey connection.
type AuthFn = func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error)

// PasswordCredentials authenticates every connection with the configured
// username and password.
func PasswordCredentials(username, password string) AuthFn {
	creds := valkey.AuthCredentials{
		Username: username,
		Password: password,
	}
	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		return creds, nil
	}
}

// IAMCredentials mints a fresh ElastiCache IAM token per connection. The
// aws.Config is a parameter so tests can inject static credentials.
func IAMCredentials(cfg config.ValkeyConfig, awsCfg aws.Config) (AuthFn, error) {
	var opts []iamcacheauth.Option
	if cfg.IAMServerless {
		opts = append(opts, iamcacheauth.WithServerless())
	}

	gen, err := iamcacheauth.NewElastiCache(cfg.Username, cfg.IAMCacheName, awsCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating IAM token generator: %w", err)
	}

	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		// token generation is a local signing operation; the context only
		// bounds credential retrieval, and must not be a startup context
		// that may already be cancelled when a connection is (re)established
		token, err := gen.Token(context.Background())
		if err != nil {
			return valkey.AuthCredentials{}, fmt.Errorf("generating IAM auth token: %w", err)
		}
		return valkey.AuthCredentials{
			Username: cfg.Username,
			Password: token,
		}, nil
	}, nil
}
