// Package exchange calls the internal API's token exchange endpoint: it
// trades a user's external identity token for an internal API token, under a
// signed service-principal client assertion.
package exchange

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/config"
	"github.com/trustform/session-bridge/internal/token"
)

// ErrUserNotFound indicates the exchange endpoint does not know the subject.
// The auto-registration decorator keys off this sentinel.
var ErrUserNotFound = errors.New("user not found at exchange endpoint")

// userNotFoundMarkers are the error-text fragments the internal API is known
// to emit for unknown subjects. Matching is case-insensitive.
var userNotFoundMarkers = []string{
	"user not found",
	"user does not exist",
	"unknown user",
}

// assertionLifetime bounds the client assertion validity. Assertions are
// minted per call; a short life limits replay.
const assertionLifetime = 5 * time.Minute

const maxErrorBodySize = 4 * 1024

// Exchanger trades an identity token for an internal API token.
type Exchanger interface {
	ExchangeToken(ctx context.Context, subjectToken string) (token.Token, error)
}

// Client implements Exchanger against the internal API.
type Client struct {
	httpClient *http.Client
	url        string
	audience   string
	clientID   string
	signer     Signer
	now        func() time.Time
}

// NewClient builds an exchange client. The HTTP client should carry the
// instrumented outbound transport.
func NewClient(cfg config.ExchangeConfig, signer Signer, httpClient *http.Client) *Client {
	return &Client{
		httpClient: httpClient,
		url:        cfg.URL,
		audience:   cfg.ExchangeAudience(),
		clientID:   cfg.ClientID,
		signer:     signer,
		now:        time.Now,
	}
}

type exchangeRequest struct {
	SubjectToken string `json:"subjectToken"`
}

type exchangeResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ExchangeToken performs the exchange. The response is fully decoded before
// any token is returned, so callers never cache a partial read.
func (c *Client) ExchangeToken(ctx context.Context, subjectToken string) (token.Token, error) {
	assertion, err := c.clientAssertion(ctx)
	if err != nil {
		return token.Token{}, err
	}

	body, err := json.Marshal(exchangeRequest{SubjectToken: subjectToken})
	if err != nil {
		return token.Token{}, fmt.Errorf("encoding exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return token.Token{}, fmt.Errorf("creating exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+assertion)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return token.Token{}, fmt.Errorf("calling exchange endpoint: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return token.Token{}, c.exchangeError(res)
	}

	var decoded exchangeResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return token.Token{}, fmt.Errorf("decoding exchange response: %w", err)
	}
	if decoded.AccessToken == "" {
		return token.Token{}, fmt.Errorf("exchange response missing access token")
	}

	log.Ctx(ctx).Debug().Time("expiresAt", decoded.ExpiresAt).Msg("exchange: internal token issued")

	return token.New(decoded.AccessToken, decoded.ExpiresAt), nil
}

// exchangeError maps an error response, recognizing unknown-user replies
// from the response text.
func (c *Client) exchangeError(res *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
	text := strings.ToLower(string(detail))

	for _, marker := range userNotFoundMarkers {
		if strings.Contains(text, marker) {
			return fmt.Errorf("exchange failed (status %d): %w", res.StatusCode, ErrUserNotFound)
		}
	}

	return fmt.Errorf("exchange failed (status %d): %s", res.StatusCode, strings.TrimSpace(string(detail)))
}

func (c *Client) clientAssertion(ctx context.Context) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.clientID,
		Subject:   c.clientID,
		Audience:  jwt.ClaimStrings{c.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        nonce(),
	}

	assertion, err := c.signer.SignAssertion(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("creating client assertion: %w", err)
	}
	return assertion, nil
}

func nonce() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
