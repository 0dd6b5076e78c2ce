package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tink-crypto/tink-go/v2/tink"

	"github.com/trustform/session-bridge/internal/config"
)

// Ticket is the interactive session state carried by the browser inside a
// sealed cookie. The server keeps no session store: everything needed to
// evaluate or refresh the session rides with the request.
type Ticket struct {
	// Scheme names the scheme that issued this ticket. Empty is treated as
	// the interactive scheme for tickets minted before the field existed.
	Scheme string `json:"scheme,omitempty"`

	// IdentityToken is the external identity token (JWT).
	IdentityToken string `json:"identityToken"`

	// RefreshToken enables silent re-issue of the identity token. Optional;
	// without it the session ends when the identity token expires.
	RefreshToken string `json:"refreshToken,omitempty"`

	// IssuedAt records when this ticket was sealed, not when the identity
	// token was issued.
	IssuedAt time.Time `json:"issuedAt"`
}

// SchemeName returns the scheme that should interpret this ticket.
func (t *Ticket) SchemeName() string {
	if t.Scheme == "" {
		return InteractiveSchemeName
	}
	return t.Scheme
}

// CookieStore seals tickets into an AEAD-encrypted cookie. The cookie name is
// bound in as associated data, so a ciphertext lifted from one cookie can't be
// replayed under another.
type CookieStore struct {
	aead   tink.AEAD
	name   string
	domain string
	secure bool
}

// NewCookieStore returns a store sealing tickets with the given AEAD.
func NewCookieStore(a tink.AEAD, cfg config.SessionConfig) *CookieStore {
	return &CookieStore{
		aead:   a,
		name:   cfg.CookieName,
		domain: cfg.CookieDomain,
		secure: cfg.CookieSecure,
	}
}

// Name returns the cookie name this store reads and writes.
func (s *CookieStore) Name() string {
	return s.name
}

// Read unseals the ticket from the request's session cookie. Returns
// http.ErrNoCookie when the cookie is absent.
func (s *CookieStore) Read(r *http.Request) (*Ticket, error) {
	cookie, err := r.Cookie(s.name)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("decoding session cookie: %w", err)
	}

	plaintext, err := s.aead.Decrypt(ciphertext, []byte(s.name))
	if err != nil {
		return nil, fmt.Errorf("unsealing session cookie: %w", err)
	}

	var ticket Ticket
	if err := json.Unmarshal(plaintext, &ticket); err != nil {
		return nil, fmt.Errorf("unmarshalling session ticket: %w", err)
	}

	return &ticket, nil
}

// Write seals the ticket and sets the session cookie on the response.
func (s *CookieStore) Write(w http.ResponseWriter, ticket *Ticket) error {
	plaintext, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("marshalling session ticket: %w", err)
	}

	ciphertext, err := s.aead.Encrypt(plaintext, []byte(s.name))
	if err != nil {
		return fmt.Errorf("sealing session ticket: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    base64.RawURLEncoding.EncodeToString(ciphertext),
		Path:     "/",
		Domain:   s.domain,
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the session cookie on the response.
func (s *CookieStore) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    "",
		Path:     "/",
		Domain:   s.domain,
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
