// Package auth implements the authentication capabilities the WebDAV
// backend consumes. The core never performs credential storage, file-based
// config parsing, or the OAuth2 authorization-code/PKCE exchange itself —
// callers hand it either an app password or an already-obtained OAuth2
// token plus a refresh callback.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider is the authentication capability consumed by the WebDAV
// backend.
type Provider interface {
	// GetAuthHeader returns the HTTP Authorization header value to send.
	GetAuthHeader(ctx context.Context) (string, error)
	// IsExpired reports whether credentials need a refresh before use.
	IsExpired() bool
	// RefreshCredentials refreshes the authentication if needed.
	RefreshCredentials(ctx context.Context) error
}

// defaultValidationPath is the server-relative endpoint probed when the
// caller doesn't supply one. It matches Nextcloud's DAV root, the first
// candidate internal/webdavstore's own capability detection tries
// (capabilities.go's deriveServerBase suffix list); a generic WebDAV or
// OCIS target should pass its own via validationPath instead of relying on
// this default.
const defaultValidationPath = "/remote.php/dav/"

// AppPasswordAuth implements Provider via HTTP Basic Auth with a Nextcloud
// app password. App passwords don't expire server-side; IsExpired only
// drives periodic revalidation.
type AppPasswordAuth struct {
	serverURL      string
	username       string
	appPassword    string
	validationPath string
	httpClient     *http.Client
	lastValidated  time.Time
}

// NewAppPasswordAuth creates a new app-password authenticator.
// validationPath is the server-relative path ValidateCredentials probes;
// pass "" to use defaultValidationPath.
func NewAppPasswordAuth(serverURL, username, appPassword, validationPath string) (*AppPasswordAuth, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if appPassword == "" {
		return nil, fmt.Errorf("app password cannot be empty")
	}

	serverURL = strings.TrimSuffix(serverURL, "/")
	if validationPath == "" {
		validationPath = defaultValidationPath
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:       10,
			IdleConnTimeout:    30 * time.Second,
			DisableCompression: false,
		},
	}

	return &AppPasswordAuth{
		serverURL:      serverURL,
		username:       username,
		appPassword:    appPassword,
		validationPath: validationPath,
		httpClient:     client,
	}, nil
}

// GetAuthHeader returns the HTTP Basic Auth header value.
func (a *AppPasswordAuth) GetAuthHeader(ctx context.Context) (string, error) {
	if a.appPassword == "" {
		return "", fmt.Errorf("app password is not set")
	}
	credentials := fmt.Sprintf("%s:%s", a.username, a.appPassword)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credentials)), nil
}

// ValidateCredentials validates the app password against validationPath.
func (a *AppPasswordAuth) ValidateCredentials(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.serverURL+a.validationPath, nil)
	if err != nil {
		return fmt.Errorf("create validation request: %w", err)
	}

	authHeader, err := a.GetAuthHeader(ctx)
	if err != nil {
		return fmt.Errorf("get auth header: %w", err)
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("validate credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid credentials: authentication failed")
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected response status during validation: %d", resp.StatusCode)
	}

	a.lastValidated = time.Now()
	return nil
}

// RefreshCredentials revalidates the app password; app passwords don't
// themselves expire.
func (a *AppPasswordAuth) RefreshCredentials(ctx context.Context) error {
	return a.ValidateCredentials(ctx)
}

// IsExpired reports whether the app password hasn't been revalidated in
// over an hour.
func (a *AppPasswordAuth) IsExpired() bool {
	return time.Since(a.lastValidated) > time.Hour
}

// GetServerURL returns the configured server URL.
func (a *AppPasswordAuth) GetServerURL() string {
	return a.serverURL
}

// GetUsername returns the configured username.
func (a *AppPasswordAuth) GetUsername() string {
	return a.username
}

// Close releases the underlying HTTP client's idle connections and clears
// the password from memory.
func (a *AppPasswordAuth) Close() {
	a.appPassword = ""
	if transport, ok := a.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
