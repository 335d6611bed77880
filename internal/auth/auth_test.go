package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppPasswordAuth_ValidatesInputs(t *testing.T) {
	_, err := NewAppPasswordAuth("", "user", "pass", "")
	require.Error(t, err)

	_, err = NewAppPasswordAuth("https://cloud.example.com", "", "pass", "")
	require.Error(t, err)

	_, err = NewAppPasswordAuth("https://cloud.example.com", "user", "", "")
	require.Error(t, err)
}

func TestAppPasswordAuth_GetAuthHeader(t *testing.T) {
	a, err := NewAppPasswordAuth("https://cloud.example.com", "alice", "secret", "")
	require.NoError(t, err)

	header, err := a.GetAuthHeader(context.Background())
	require.NoError(t, err)
	assert.Contains(t, header, "Basic ")
}

func TestAppPasswordAuth_TrimsTrailingSlash(t *testing.T) {
	a, err := NewAppPasswordAuth("https://cloud.example.com/", "alice", "secret", "")
	require.NoError(t, err)
	assert.Equal(t, "https://cloud.example.com", a.GetServerURL())
}

func TestAppPasswordAuth_ValidateCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
	}))
	defer server.Close()

	a, err := NewAppPasswordAuth(server.URL, "alice", "secret", "")
	require.NoError(t, err)

	require.NoError(t, a.ValidateCredentials(context.Background()))
	assert.False(t, a.IsExpired())
}

func TestAppPasswordAuth_ValidateCredentials_CustomPath(t *testing.T) {
	var requestedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		w.WriteHeader(http.StatusMultiStatus)
	}))
	defer server.Close()

	a, err := NewAppPasswordAuth(server.URL, "alice", "secret", "/dav/")
	require.NoError(t, err)

	require.NoError(t, a.ValidateCredentials(context.Background()))
	assert.Equal(t, "/dav/", requestedPath)
}

func TestOAuth2Provider_RefreshesExpiredToken(t *testing.T) {
	calls := 0
	refresh := func(ctx context.Context, refreshToken string) (Result, error) {
		calls++
		return Result{AccessToken: "new-token", ExpiresAt: time.Now().Add(time.Hour), IsValid: true}, nil
	}

	p := NewOAuth2Provider(Result{IsValid: false}, refresh)
	header, err := p.GetAuthHeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer new-token", header)
	assert.Equal(t, 1, calls)
}

func TestOAuth2Provider_DoesNotRefreshValidToken(t *testing.T) {
	calls := 0
	refresh := func(ctx context.Context, refreshToken string) (Result, error) {
		calls++
		return Result{}, nil
	}

	p := NewOAuth2Provider(Result{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour), IsValid: true}, refresh)
	header, err := p.GetAuthHeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", header)
	assert.Equal(t, 0, calls)
}

func TestOAuth2Provider_NoRefreshCallbackErrors(t *testing.T) {
	p := NewOAuth2Provider(Result{IsValid: false}, nil)
	_, err := p.GetAuthHeader(context.Background())
	require.Error(t, err)
}

func TestResult_WillExpireWithin(t *testing.T) {
	r := Result{ExpiresAt: time.Now().Add(10 * time.Second)}
	assert.True(t, r.WillExpireWithin(30*time.Second))
	assert.False(t, r.WillExpireWithin(time.Second))
}
