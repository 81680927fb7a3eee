package source

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// refreshFraction is the share of a token's lifetime after which the manager
// refreshes proactively instead of waiting for expiry
const refreshFraction = 0.75

// defaultTokenLifetime is assumed when the token endpoint does not report an
// expiry
const defaultTokenLifetime = time.Hour

// Token is a bearer credential together with the issuance bookkeeping needed
// for proactive refresh.
type Token struct {
	Value    string
	IssuedAt time.Time
	Lifetime time.Duration
}

// Expired reports whether the token's lifetime has fully elapsed. A token
// with a non-positive lifetime never expires.
func (t Token) Expired(now time.Time) bool {
	if t.Lifetime <= 0 {
		return false
	}
	return now.Sub(t.IssuedAt) >= t.Lifetime
}

// ShouldRefresh reports whether the token has passed the proactive refresh
// threshold of its lifetime. A token with a non-positive lifetime never
// needs refreshing.
func (t Token) ShouldRefresh(now time.Time) bool {
	if t.Lifetime <= 0 {
		return false
	}
	return float64(now.Sub(t.IssuedAt)) >= refreshFraction*float64(t.Lifetime)
}

// Credentials identifies the sync engine to the source API's token endpoint
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// TokenManager caches a bearer token and hands out a valid credential to
// every request without an exchange round-trip. Refreshes are serialized:
// when many concurrent requests cross the refresh threshold together, one
// performs the exchange and the rest reuse its result.
type TokenManager struct {
	mu       sync.Mutex
	exchange func(ctx context.Context) (Token, error)
	now      func() time.Time
	logger   *slog.Logger
	policy   Policy
	sleep    func(ctx context.Context, d time.Duration) error

	current Token
}

// TokenOption configures a TokenManager
type TokenOption func(*TokenManager)

// WithTokenClock overrides the manager's time source
func WithTokenClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) {
		m.now = now
	}
}

// WithExchange overrides the token exchange call
func WithExchange(exchange func(ctx context.Context) (Token, error)) TokenOption {
	return func(m *TokenManager) {
		m.exchange = exchange
	}
}

// WithTokenLogger sets the manager's logger
func WithTokenLogger(logger *slog.Logger) TokenOption {
	return func(m *TokenManager) {
		m.logger = logger
	}
}

// WithTokenPolicy sets the retry policy applied to the exchange
func WithTokenPolicy(p Policy) TokenOption {
	return func(m *TokenManager) {
		m.policy = p
	}
}

// WithTokenSleeper overrides how the manager waits between exchange retries
func WithTokenSleeper(sleeper func(ctx context.Context, d time.Duration) error) TokenOption {
	return func(m *TokenManager) {
		m.sleep = sleeper
	}
}

// NewTokenManager creates a TokenManager exchanging client credentials at
// creds.TokenURL.
func NewTokenManager(creds Credentials, opts ...TokenOption) *TokenManager {
	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		Scopes:       creds.Scopes,
	}

	m := &TokenManager{
		now:    time.Now,
		logger: slog.Default(),
		policy: DefaultPolicy(),
		sleep:  sleep,
	}
	m.exchange = func(ctx context.Context) (Token, error) {
		tok, err := cc.Token(ctx)
		if err != nil {
			return Token{}, err
		}
		issued := m.now()
		lifetime := defaultTokenLifetime
		if !tok.Expiry.IsZero() {
			lifetime = tok.Expiry.Sub(issued)
		}
		return Token{Value: tok.AccessToken, IssuedAt: issued, Lifetime: lifetime}, nil
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bearer returns a valid bearer token, exchanging credentials when the cached
// one has crossed its refresh threshold. When the exchange fails but the
// cached token is still within its lifetime, the stale token is returned so
// in-flight syncs degrade gracefully instead of aborting; only once the
// cached token has fully expired does the failure surface as an
// AuthenticationError.
func (m *TokenManager) Bearer(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.current.Value != "" && !m.current.ShouldRefresh(now) {
		return m.current.Value, nil
	}

	tok, err := m.refresh(ctx)
	if err != nil {
		if m.current.Value != "" && !m.current.Expired(now) {
			m.logger.Warn("token refresh failed, continuing with unexpired token",
				"error", err,
				"remaining", m.current.Lifetime-now.Sub(m.current.IssuedAt))
			return m.current.Value, nil
		}
		return "", &AuthenticationError{Err: err}
	}

	m.current = tok
	return tok.Value, nil
}

// refresh runs the credential exchange under the full retry schedule.
// Transient failures (network errors, 5xx) consume retry slots; rate limits
// wait out the server's Retry-After hint without consuming one; other 4xx
// responses are credential problems retries cannot fix and surface
// immediately.
func (m *TokenManager) refresh(ctx context.Context) (Token, error) {
	bo := m.policy.backoff()
	attempt := 1

	for {
		tok, err := m.exchange(ctx)
		if err == nil {
			return tok, nil
		}
		if ctx.Err() != nil {
			return Token{}, ctx.Err()
		}

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			code := retrieveErr.Response.StatusCode
			if code == http.StatusTooManyRequests {
				wait := m.policy.retryAfter(retrieveErr.Response.Header.Get("Retry-After"))
				m.logger.Warn("rate limited by token endpoint", "wait", wait)
				if err := m.sleep(ctx, wait); err != nil {
					return Token{}, err
				}
				continue
			}
			if code >= 400 && code < 500 {
				return Token{}, err
			}
		}

		if attempt > m.policy.MaxRetries {
			return Token{}, err
		}
		wait := bo.NextBackOff()
		m.logger.Warn("token exchange failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err)
		if err := m.sleep(ctx, wait); err != nil {
			return Token{}, err
		}
		attempt++
	}
}

// Invalidate discards the cached token, forcing the next Bearer call to
// exchange credentials. Called after the source API rejects a request as
// unauthorized.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Token{}
}
