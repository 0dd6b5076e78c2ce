package exchange

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/trustform/session-bridge/internal/config"
	"github.com/trustform/session-bridge/internal/token"
)

// ServiceTokenSource issues service-to-service tokens for background callers
// acting without a signed-in user, via the client credentials grant. Tokens
// are cached under the shared expiry buffer, so a token handed out is always
// usable for a full request; the grant runs again once the buffer is reached.
type ServiceTokenSource struct {
	grant      clientcredentials.Config
	httpClient *http.Client

	mu     sync.Mutex
	cached token.Token
	now    func() time.Time
}

// NewServiceTokenSource returns a source, or nil when no service token
// endpoint is configured.
func NewServiceTokenSource(cfg config.ExchangeConfig, httpClient *http.Client) *ServiceTokenSource {
	if cfg.ServiceTokenURL == "" {
		return nil
	}

	return &ServiceTokenSource{
		grant: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ServiceClientSecret,
			TokenURL:     cfg.ServiceTokenURL,
		},
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Token returns a usable service token, running the grant when the cached
// token is absent or inside the expiry buffer.
func (s *ServiceTokenSource) Token(ctx context.Context) (token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached.Valid(s.now()) {
		return s.cached, nil
	}

	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}

	issued, err := s.grant.Token(ctx)
	if err != nil {
		return token.Token{}, fmt.Errorf("issuing service token: %w", err)
	}

	s.cached = token.New(issued.AccessToken, issued.Expiry)
	return s.cached, nil
}
