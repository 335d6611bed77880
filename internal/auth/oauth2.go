package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Result mirrors the spec's OAuth2Result: the outcome of an authenticate or
// refresh call.
type Result struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	IsValid      bool
}

// WillExpireWithin reports whether the token expires within d of now.
func (r Result) WillExpireWithin(d time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(r.ExpiresAt) <= d
}

// RefreshFunc performs the actual token refresh against the identity
// provider. The core never drives the authorization-code/PKCE exchange
// itself — it only calls this caller-supplied callback with the last-known
// refresh token.
type RefreshFunc func(ctx context.Context, refreshToken string) (Result, error)

// OAuth2Provider implements Provider by wrapping a caller-obtained token
// and a refresh callback, per the external OAuth2 provider capability
// (§6). It never performs the authorization-code/PKCE flow itself.
type OAuth2Provider struct {
	mu      sync.Mutex
	current Result
	refresh RefreshFunc
}

// NewOAuth2Provider wraps an already-obtained token. refresh is invoked
// when the current token is invalid or expires within 30 seconds.
func NewOAuth2Provider(initial Result, refresh RefreshFunc) *OAuth2Provider {
	return &OAuth2Provider{current: initial, refresh: refresh}
}

// GetAuthHeader returns a Bearer authorization header, refreshing first if
// the current token is expired or about to expire.
func (p *OAuth2Provider) GetAuthHeader(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tokenNeedsRefreshLocked() {
		if err := p.refreshLocked(ctx); err != nil {
			return "", fmt.Errorf("refresh oauth2 token: %w", err)
		}
	}

	if p.current.AccessToken == "" {
		return "", fmt.Errorf("no oauth2 access token available")
	}
	return "Bearer " + p.current.AccessToken, nil
}

// IsExpired reports whether the wrapped token is invalid or expires within
// 30 seconds.
func (p *OAuth2Provider) IsExpired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenNeedsRefreshLocked()
}

// RefreshCredentials forces a refresh via the configured callback.
func (p *OAuth2Provider) RefreshCredentials(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx)
}

func (p *OAuth2Provider) tokenNeedsRefreshLocked() bool {
	if !p.current.IsValid {
		return true
	}
	return p.current.WillExpireWithin(30 * time.Second)
}

func (p *OAuth2Provider) refreshLocked(ctx context.Context) error {
	if p.refresh == nil {
		return fmt.Errorf("oauth2 token expired and no refresh callback configured")
	}

	result, err := p.refresh(ctx, p.current.RefreshToken)
	if err != nil {
		return err
	}
	p.current = result
	return nil
}

// FromOAuth2Token adapts a golang.org/x/oauth2.Token into a Result, the
// shape the core's OAuth2Provider and RefreshFunc callers exchange. This is
// the seam at which an external PKCE/authorization-code flow (entirely out
// of the core's scope) hands its output to the sync engine.
func FromOAuth2Token(t *oauth2.Token) Result {
	return Result{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.Expiry,
		IsValid:      t.Valid(),
	}
}
