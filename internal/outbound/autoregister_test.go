package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustform/session-bridge/internal/exchange"
	"github.com/trustform/session-bridge/internal/registration"
	"github.com/trustform/session-bridge/internal/testhelpers"
	"github.com/trustform/session-bridge/internal/token"
)

type fakeExchanger struct {
	fn    func(ctx context.Context, subjectToken string) (token.Token, error)
	calls atomic.Int64
}

func (f *fakeExchanger) ExchangeToken(ctx context.Context, subjectToken string) (token.Token, error) {
	f.calls.Add(1)
	return f.fn(ctx, subjectToken)
}

type fakeRegistrar struct {
	fn    func(ctx context.Context, identityToken string) (registration.Registration, error)
	calls atomic.Int64
}

func (f *fakeRegistrar) Register(ctx context.Context, identityToken string) (registration.Registration, error) {
	f.calls.Add(1)
	return f.fn(ctx, identityToken)
}

func trustedIdentity(t *testing.T) string {
	t.Helper()
	now := time.Now()
	return testhelpers.MintIdentityToken(t, testhelpers.IdentityClaims{
		Email:     "citizen@example.gov",
		Issuer:    "https://id.trustform.gov",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
}

func TestAutoRegisterRegistersUnknownUserOnce(t *testing.T) {
	testhelpers.SetupLogger(t)
	identityToken := trustedIdentity(t)
	issued := token.New("internal", time.Now().Add(time.Hour))

	var registered atomic.Bool
	exchanger := &fakeExchanger{}
	exchanger.fn = func(ctx context.Context, subjectToken string) (token.Token, error) {
		if !registered.Load() {
			return token.Token{}, fmt.Errorf("exchange failed: %w", exchange.ErrUserNotFound)
		}
		return issued, nil
	}
	registrar := &fakeRegistrar{fn: func(ctx context.Context, identityToken string) (registration.Registration, error) {
		registered.Store(true)
		return registration.Registration{UserID: "user-42"}, nil
	}}

	auto := NewAutoRegistering(exchanger, registrar, []string{"trustform.gov"})

	got, err := auto.ExchangeToken(context.Background(), identityToken)
	require.NoError(t, err)
	assert.Equal(t, issued, got)
	assert.EqualValues(t, 1, registrar.calls.Load())
	assert.EqualValues(t, 2, exchanger.calls.Load(), "initial attempt plus one retry")
}

func TestAutoRegisterPassesThroughSuccess(t *testing.T) {
	testhelpers.SetupLogger(t)
	issued := token.New("internal", time.Now().Add(time.Hour))
	exchanger := &fakeExchanger{fn: func(context.Context, string) (token.Token, error) {
		return issued, nil
	}}
	registrar := &fakeRegistrar{}

	auto := NewAutoRegistering(exchanger, registrar, []string{"trustform.gov"})

	got, err := auto.ExchangeToken(context.Background(), trustedIdentity(t))
	require.NoError(t, err)
	assert.Equal(t, issued, got)
	assert.Zero(t, registrar.calls.Load())
}

func TestAutoRegisterPropagatesOtherErrors(t *testing.T) {
	testhelpers.SetupLogger(t)
	failure := errors.New("exchange endpoint unreachable")
	exchanger := &fakeExchanger{fn: func(context.Context, string) (token.Token, error) {
		return token.Token{}, failure
	}}
	registrar := &fakeRegistrar{}

	auto := NewAutoRegistering(exchanger, registrar, []string{"trustform.gov"})

	_, err := auto.ExchangeToken(context.Background(), trustedIdentity(t))
	assert.ErrorIs(t, err, failure)
	assert.Zero(t, registrar.calls.Load())
}

func TestAutoRegisterRefusesForeignIssuer(t *testing.T) {
	testhelpers.SetupLogger(t)
	now := time.Now()
	foreign := testhelpers.MintIdentityToken(t, testhelpers.IdentityClaims{
		Email:     "someone@elsewhere.example",
		Issuer:    "https://id.elsewhere.example",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})

	exchanger := &fakeExchanger{fn: func(context.Context, string) (token.Token, error) {
		return token.Token{}, exchange.ErrUserNotFound
	}}
	registrar := &fakeRegistrar{}

	auto := NewAutoRegistering(exchanger, registrar, []string{"trustform.gov"})

	_, err := auto.ExchangeToken(context.Background(), foreign)
	assert.ErrorIs(t, err, exchange.ErrUserNotFound)
	assert.Zero(t, registrar.calls.Load())
}

func TestAutoRegisterPropagatesRegistrationFailure(t *testing.T) {
	testhelpers.SetupLogger(t)
	exchanger := &fakeExchanger{fn: func(context.Context, string) (token.Token, error) {
		return token.Token{}, exchange.ErrUserNotFound
	}}
	registrar := &fakeRegistrar{fn: func(context.Context, string) (registration.Registration, error) {
		return registration.Registration{}, errors.New("registration rejected")
	}}

	auto := NewAutoRegistering(exchanger, registrar, []string{"trustform.gov"})

	_, err := auto.ExchangeToken(context.Background(), trustedIdentity(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration rejected")
	assert.EqualValues(t, 1, exchanger.calls.Load(), "no retry after failed registration")
}

func TestAutoRegisterSurvivesCallerCancellation(t *testing.T) {
	testhelpers.SetupLogger(t)
	identityToken := trustedIdentity(t)
	issued := token.New("internal", time.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var registered atomic.Bool
	exchanger := &fakeExchanger{}
	exchanger.fn = func(ctx context.Context, subjectToken string) (token.Token, error) {
		if !registered.Load() {
			return token.Token{}, exchange.ErrUserNotFound
		}
		return issued, nil
	}
	registrar := &fakeRegistrar{fn: func(ctx context.Context, identityToken string) (registration.Registration, error) {
		// the triggering request goes away mid-registration
		cancel()
		if err := ctx.Err(); err != nil {
			return registration.Registration{}, err
		}
		registered.Store(true)
		return registration.Registration{UserID: "user-42"}, nil
	}}

	auto := NewAutoRegistering(exchanger, registrar, []string{"trustform.gov"})

	got, err := auto.ExchangeToken(ctx, identityToken)
	require.NoError(t, err)
	assert.Equal(t, issued, got)
	assert.EqualValues(t, 1, registrar.calls.Load())
}

func TestAutoRegisterSerializesConcurrentCallers(t *testing.T) {
	testhelpers.SetupLogger(t)
	identityToken := trustedIdentity(t)
	issued := token.New("internal", time.Now().Add(time.Hour))

	var registered atomic.Bool
	release := make(chan struct{})

	exchanger := &fakeExchanger{}
	exchanger.fn = func(ctx context.Context, subjectToken string) (token.Token, error) {
		if !registered.Load() {
			return token.Token{}, exchange.ErrUserNotFound
		}
		return issued, nil
	}
	registrar := &fakeRegistrar{fn: func(ctx context.Context, identityToken string) (registration.Registration, error) {
		<-release // hold all callers inside the flight
		registered.Store(true)
		return registration.Registration{UserID: "user-42"}, nil
	}}

	auto := NewAutoRegistering(exchanger, registrar, []string{"trustform.gov"})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = auto.ExchangeToken(context.Background(), identityToken)
		}()
	}

	// let the goroutines pile up on the singleflight, then release
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, registrar.calls.Load(), "concurrent unknown-user callers share one registration")
}
