package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustform/session-bridge/internal/testhelpers"
)

func TestAuthenticateBearerWinsOverCookie(t *testing.T) {
	testhelpers.SetupLogger(t)
	store := testCookieStore(t)

	var seen *AuthContext
	handler := Authenticate(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AuthFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	require.NoError(t, store.Write(w, &Ticket{IdentityToken: "from-cookie"}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	r.AddCookie(w.Result().Cookies()[0])

	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.NotNil(t, seen)
	assert.Equal(t, HeadlessSchemeName, seen.SchemeName)
	assert.Equal(t, "from-header", seen.Bearer)
	assert.Nil(t, seen.Ticket)
}

func TestAuthenticateReadsTicket(t *testing.T) {
	testhelpers.SetupLogger(t)
	store := testCookieStore(t)

	var seen *AuthContext
	handler := Authenticate(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AuthFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	require.NoError(t, store.Write(w, &Ticket{IdentityToken: "from-cookie"}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(w.Result().Cookies()[0])

	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.NotNil(t, seen)
	assert.Equal(t, InteractiveSchemeName, seen.SchemeName)
	require.NotNil(t, seen.Ticket)
	assert.Equal(t, "from-cookie", seen.Ticket.IdentityToken)
}

func TestAuthenticateClearsUnreadableCookie(t *testing.T) {
	testhelpers.SetupLogger(t)
	store := testCookieStore(t)

	var seen *AuthContext
	handler := Authenticate(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AuthFrom(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: store.Name(), Value: "not-a-sealed-ticket"})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Nil(t, seen)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestAuthenticateAnonymous(t *testing.T) {
	testhelpers.SetupLogger(t)

	var seen *AuthContext
	hasFlags := false
	handler := Authenticate(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AuthFrom(r.Context())
		hasFlags = SetRequestFlag(r.Context(), "probe", true)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Nil(t, seen)
	assert.True(t, hasFlags, "flag store must be seeded even for anonymous requests")
}

// seedAuth is a test stand-in for Authenticate, binding a fixed scheme name.
func seedAuth(schemeName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithRequestFlags(r.Context())
			ctx = WithAuth(ctx, &AuthContext{SchemeName: schemeName})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func TestMiddlewareAnonymousPassThrough(t *testing.T) {
	testhelpers.SetupLogger(t)
	m, _ := managerFor(t, &stubScheme{name: "stub"}, sessionConfig())

	called := false
	handler := Middleware(m, nil, "/signin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestMiddlewareForcedLogoutRedirectsBrowser(t *testing.T) {
	testhelpers.SetupLogger(t)
	now := time.Now()
	scheme := &stubScheme{
		name:     "stub",
		userID:   "user-1",
		identity: identityFor(t, now.Add(-2*time.Hour), now.Add(-time.Minute)),
	}
	m, cm := managerFor(t, scheme, sessionConfig())
	store := testCookieStore(t)

	called := false
	handler := seedAuth("stub")(Middleware(m, store, "/signin")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/portal", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusSeeOther, w.Result().StatusCode)
	assert.Equal(t, "/signin", w.Result().Header.Get("Location"))

	// the session cookie is dropped and the user is flagged everywhere
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
	assert.True(t, cm.IsLogoutFlagSet(context.Background(), "user-1"))
}

func TestMiddlewareForcedLogoutAnswersAPIWithJSON(t *testing.T) {
	testhelpers.SetupLogger(t)
	now := time.Now()
	scheme := &stubScheme{
		name:     "stub",
		userID:   "user-1",
		identity: identityFor(t, now.Add(-2*time.Hour), now.Add(-time.Minute)),
	}
	m, _ := managerFor(t, scheme, sessionConfig())

	handler := seedAuth("stub")(Middleware(m, nil, "/signin")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	r := httptest.NewRequest(http.MethodGet, "/api/applications", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	res := w.Result()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var body UnauthorizedBody
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "token_expired", body.Error)
	require.NotNil(t, body.Reason)
	assert.Contains(t, *body.Reason, "expired")
	assert.False(t, body.Timestamp.IsZero())
}

func TestMiddlewareRefreshesExpiredSession(t *testing.T) {
	testhelpers.SetupLogger(t)
	now := time.Now()
	store := testCookieStore(t)

	scheme := &stubScheme{
		name:       "stub",
		userID:     "user-1",
		identity:   identityFor(t, now.Add(-2*time.Hour), now.Add(-time.Minute)),
		canRefresh: true,
	}
	scheme.refresh = func(ctx context.Context) bool {
		SetRequestFlag(ctx, flagTicketOverride, &Ticket{IdentityToken: "fresh", IssuedAt: now})
		SetRequestFlag(ctx, flagTicketDirty, true)
		return true
	}
	m, _ := managerFor(t, scheme, sessionConfig())

	called := false
	handler := seedAuth("stub")(Middleware(m, store, "/signin")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/portal", nil))

	assert.True(t, called)
	assert.Equal(t, 1, scheme.refreshed)

	// the refreshed ticket was persisted back to the browser
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.NotEmpty(t, cookies[0].Value)
	assert.GreaterOrEqual(t, cookies[0].MaxAge, 0) // not a deletion cookie
}

func TestIsAPIRequest(t *testing.T) {
	cases := []struct {
		name string
		mod  func(r *http.Request)
		want bool
	}{
		{"plain browser", func(r *http.Request) { r.Header.Set("Accept", "text/html") }, false},
		{"accept json", func(r *http.Request) { r.Header.Set("Accept", "application/json") }, true},
		{"xhr marker", func(r *http.Request) { r.Header.Set("X-Requested-With", "xmlhttprequest") }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/portal", nil)
			tc.mod(r)
			assert.Equal(t, tc.want, IsAPIRequest(r))
		})
	}

	t.Run("api path", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		assert.True(t, IsAPIRequest(r))
	})
}
