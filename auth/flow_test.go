package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/feedloop/store"
)

func TestVerifierAndChallenge(t *testing.T) {
	verifier, err := newVerifier()
	require.NoError(t, err)
	require.Len(t, verifier, base64.RawURLEncoding.EncodedLen(verifierBytes))

	other, err := newVerifier()
	require.NoError(t, err)
	require.NotEqual(t, verifier, other)

	sum := sha256.Sum256([]byte(verifier))
	require.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), challenge(verifier))
}

func newTestFlow(t *testing.T, cfg Config) *Flow {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = "client-123"
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = "http://127.0.0.1:0/callback"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"identity", "read"}
	}
	return NewFlow(cfg)
}

func TestBeginAuthorizationURL(t *testing.T) {
	flow := newTestFlow(t, Config{})

	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	parsed, err := url.Parse(authz.URL)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(authz.URL, DefaultAuthURL))

	query := parsed.Query()
	require.Equal(t, "client-123", query.Get("client_id"))
	require.Equal(t, "code", query.Get("response_type"))
	require.Equal(t, "permanent", query.Get("duration"))
	require.Equal(t, "identity read", query.Get("scope"))
	require.Equal(t, "S256", query.Get("code_challenge_method"))
	require.NotEmpty(t, query.Get("state"))
	require.NotEmpty(t, query.Get("code_challenge"))

	// The ephemeral port was substituted back into the redirect URI.
	redirect, err := url.Parse(query.Get("redirect_uri"))
	require.NoError(t, err)
	require.NotEqual(t, "0", redirect.Port())
	require.Equal(t, "/callback", redirect.Path)
}

func redirectGet(t *testing.T, authz *Authorization, query string) *http.Response {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s/callback?%s", authz.RedirectAddr(), query))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestListenerRejectsNonGet(t *testing.T) {
	flow := newTestFlow(t, Config{})
	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	resp, err := http.Post(fmt.Sprintf("http://%s/callback", authz.RedirectAddr()), "text/plain", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	// The attempt is not consumed; a valid redirect still succeeds.
	resp2 := redirectGet(t, authz, "state="+authz.state+"&code=abc")
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	code, err := authz.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", code)
}

func TestListenerStateMismatch(t *testing.T) {
	flow := newTestFlow(t, Config{})
	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	resp := redirectGet(t, authz, "state=wrong&code=abc")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = authz.Wait(context.Background())
	require.ErrorIs(t, err, ErrStateMismatch)
}

func TestListenerMissingCode(t *testing.T) {
	flow := newTestFlow(t, Config{})
	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	resp := redirectGet(t, authz, "state="+authz.state)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = authz.Wait(context.Background())
	require.Error(t, err)
}

func TestListenerProviderError(t *testing.T) {
	flow := newTestFlow(t, Config{})
	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	resp := redirectGet(t, authz, "state="+authz.state+"&error=access_denied")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = authz.Wait(context.Background())
	require.ErrorIs(t, err, ErrAuthorizationDenied)
}

func TestListenerSuccessPage(t *testing.T) {
	flow := newTestFlow(t, Config{})
	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	resp := redirectGet(t, authz, "state="+authz.state+"&code=the-code")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "close this tab")

	code, err := authz.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "the-code", code)
}

func TestWaitHonorsContext(t *testing.T) {
	flow := newTestFlow(t, Config{})
	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = authz.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExchangeInstalledApp(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "the-code", r.PostForm.Get("code"))
		require.NotEmpty(t, r.PostForm.Get("code_verifier"))
		require.Equal(t, "client-123", r.PostForm.Get("client_id"))

		_, _, hasBasic := r.BasicAuth()
		require.False(t, hasBasic)

		fmt.Fprint(w, `{
			"access_token": "access-1",
			"token_type": "bearer",
			"expires_in": 3600,
			"refresh_token": "refresh-1",
			"scope": "identity read vote"
		}`)
	}))
	defer srv.Close()

	flow := newTestFlow(t, Config{TokenURL: srv.URL})
	flow.now = func() time.Time { return fixed }

	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	token, err := flow.Exchange(context.Background(), authz, "the-code")
	require.NoError(t, err)
	require.Equal(t, "access-1", token.AccessToken)
	require.Equal(t, "refresh-1", token.RefreshToken)
	require.Equal(t, []string{"identity", "read", "vote"}, token.Scopes)
	require.True(t, token.ExpiresAt.Equal(fixed.Add(time.Hour)))
}

func TestExchangeWithSecretUsesBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Empty(t, r.PostForm.Get("client_id"))

		user, pass, hasBasic := r.BasicAuth()
		require.True(t, hasBasic)
		require.Equal(t, "client-123", user)
		require.Equal(t, "sekret", pass)

		fmt.Fprint(w, `{"access_token": "access-1", "refresh_token": "refresh-1", "token_type": "bearer", "expires_in": 60}`)
	}))
	defer srv.Close()

	flow := newTestFlow(t, Config{TokenURL: srv.URL, ClientSecret: "sekret"})

	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	_, err = flow.Exchange(context.Background(), authz, "the-code")
	require.NoError(t, err)
}

func TestExchangeZeroExpiryDefaultsToAnHour(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token": "access-1", "refresh_token": "refresh-1", "token_type": "bearer"}`)
	}))
	defer srv.Close()

	flow := newTestFlow(t, Config{TokenURL: srv.URL})
	flow.now = func() time.Time { return fixed }

	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	token, err := flow.Exchange(context.Background(), authz, "the-code")
	require.NoError(t, err)
	require.True(t, token.ExpiresAt.Equal(fixed.Add(time.Hour)))
	// No scope in the response falls back to the configured scopes.
	require.Equal(t, []string{"identity", "read"}, token.Scopes)
}

func TestExchangeMissingRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token": "access-1", "token_type": "bearer", "expires_in": 60}`)
	}))
	defer srv.Close()

	flow := newTestFlow(t, Config{TokenURL: srv.URL})

	authz, err := flow.Begin()
	require.NoError(t, err)
	defer authz.Close()

	_, err = flow.Exchange(context.Background(), authz, "the-code")
	require.Error(t, err)
	require.Contains(t, err.Error(), "refresh token")
}

func TestRefreshKeepsCurrentRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "refresh-old", r.PostForm.Get("refresh_token"))

		// Refresh responses may omit the refresh token.
		fmt.Fprint(w, `{"access_token": "access-2", "token_type": "bearer", "expires_in": 3600}`)
	}))
	defer srv.Close()

	flow := newTestFlow(t, Config{TokenURL: srv.URL})

	current := store.Token{
		AccountID:    7,
		AccessToken:  "access-1",
		RefreshToken: "refresh-old",
	}
	refreshed, err := flow.Refresh(context.Background(), current)
	require.NoError(t, err)
	require.Equal(t, "access-2", refreshed.AccessToken)
	require.Equal(t, "refresh-old", refreshed.RefreshToken)
	require.Equal(t, int64(7), refreshed.AccountID)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	flow := newTestFlow(t, Config{})

	_, err := flow.Refresh(context.Background(), store.Token{AccessToken: "access-1"})
	require.Error(t, err)
}

func TestTokenEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": "invalid_grant"}`)
	}))
	defer srv.Close()

	flow := newTestFlow(t, Config{TokenURL: srv.URL})

	_, err := flow.Refresh(context.Background(), store.Token{RefreshToken: "refresh-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid_grant")
}
