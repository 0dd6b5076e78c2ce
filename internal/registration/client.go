// Package registration calls the internal API's user registration endpoint,
// creating a user record from an identity token when the exchange endpoint
// reports the subject as unknown.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/config"
)

const maxErrorBodySize = 4 * 1024

// Registration is the record created for a new user.
type Registration struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Registrar creates user records at the internal API.
type Registrar interface {
	Register(ctx context.Context, identityToken string) (Registration, error)
}

// Client implements Registrar over HTTP.
type Client struct {
	httpClient *http.Client
	url        string
	templateID string
}

// NewClient builds a registration client. The HTTP client should carry the
// instrumented outbound transport.
func NewClient(cfg config.RegistrationConfig, httpClient *http.Client) *Client {
	return &Client{
		httpClient: httpClient,
		url:        cfg.URL,
		templateID: cfg.TemplateID,
	}
}

type registerRequest struct {
	TemplateID string `json:"templateId"`
}

// Register creates a user record for the identity token's subject. The
// identity token authenticates the request; the internal API derives the new
// user's attributes from its claims.
func (c *Client) Register(ctx context.Context, identityToken string) (Registration, error) {
	body, err := json.Marshal(registerRequest{TemplateID: c.templateID})
	if err != nil {
		return Registration{}, fmt.Errorf("encoding registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Registration{}, fmt.Errorf("creating registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+identityToken)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Registration{}, fmt.Errorf("calling registration endpoint: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
		return Registration{}, fmt.Errorf("registration failed (status %d): %s",
			res.StatusCode, strings.TrimSpace(string(detail)))
	}

	var created Registration
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return Registration{}, fmt.Errorf("decoding registration response: %w", err)
	}

	log.Ctx(ctx).Info().Str("user", created.UserID).Msg("registration: user created")

	return created, nil
}
