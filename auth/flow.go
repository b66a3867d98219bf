// Package auth owns the OAuth lifecycle: the PKCE authorization flow with
// its loopback redirect listener, token exchange and refresh, the per-account
// refresh daemons, and the multi-account session manager.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/feedloop/store"
)

const (
	// DefaultAuthURL is the provider's authorization endpoint.
	DefaultAuthURL = "https://www.reddit.com/api/v1/authorize"

	// DefaultTokenURL is the provider's token endpoint.
	DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"

	// defaultExpiresIn is assumed when the token response omits expires_in.
	defaultExpiresIn = 3600 * time.Second

	verifierBytes = 64
)

// ErrAuthorizationDenied is returned when the provider redirects back with
// an error instead of a code.
var ErrAuthorizationDenied = errors.New("authorization denied")

// ErrStateMismatch is returned when the redirect carries a state token that
// does not match the one issued for this attempt.
var ErrStateMismatch = errors.New("state mismatch")

const successPage = `<!DOCTYPE html>
<html>
<head><title>Signed in</title></head>
<body>
<p>Signed in. You can close this tab and return to the terminal.</p>
</body>
</html>`

// Config holds the OAuth application settings.
type Config struct {
	// ClientID identifies the registered application.
	ClientID string

	// ClientSecret is empty for installed apps. When set, the token
	// endpoint is called with HTTP basic auth instead of a form client_id.
	ClientSecret string

	// RedirectURI is the loopback redirect target. Port 0 selects an
	// ephemeral port which is substituted back into the authorization URL.
	RedirectURI string

	// AuthURL and TokenURL default to the provider endpoints.
	AuthURL  string
	TokenURL string

	// Scopes are the access scopes requested during authorization.
	Scopes []string

	// UserAgent is sent on token endpoint requests.
	UserAgent string

	// HTTPClient overrides the default client for token requests.
	HTTPClient *http.Client

	// Logger for flow events.
	Logger *slog.Logger
}

// Flow runs the PKCE authorization flow and token exchanges.
type Flow struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) FlowOption {
	return func(f *Flow) {
		f.now = now
	}
}

// NewFlow creates a Flow from cfg, applying defaults.
func NewFlow(cfg Config, opts ...FlowOption) *Flow {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	f := &Flow{
		cfg:    cfg,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
		now:    time.Now,
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 30 * time.Second}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// newVerifier returns a fresh PKCE code verifier.
func newVerifier() (string, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// challenge derives the S256 code challenge from a verifier.
func challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type callbackResult struct {
	code string
	err  error
}

// Authorization is one in-flight authorization attempt: the URL to open in
// a browser plus the loopback listener waiting for the redirect. Close must
// always be called, even when the attempt is abandoned.
type Authorization struct {
	// URL is the browser-openable authorization URL.
	URL string

	state    string
	verifier string
	server   *http.Server
	listener net.Listener
	resultCh chan callbackResult

	deliverOnce sync.Once
	closeOnce   sync.Once
}

// Begin generates the PKCE pair and state token, starts the loopback
// listener, and returns the authorization attempt.
func (f *Flow) Begin() (*Authorization, error) {
	redirect, err := url.Parse(f.cfg.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect uri: %w", err)
	}

	verifier, err := newVerifier()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("binding redirect listener: %w", err)
	}

	// Substitute the actual port back in case the URI asked for port 0.
	redirect.Host = listener.Addr().String()
	if host, port, err := net.SplitHostPort(listener.Addr().String()); err == nil {
		if requested := redirect.Hostname(); requested != "" && requested != host {
			redirect.Host = net.JoinHostPort(requested, port)
		}
	}

	authz := &Authorization{
		state:    uuid.NewString(),
		verifier: verifier,
		listener: listener,
		resultCh: make(chan callbackResult, 1),
	}

	query := url.Values{}
	query.Set("client_id", f.cfg.ClientID)
	query.Set("response_type", "code")
	query.Set("state", authz.state)
	query.Set("redirect_uri", redirect.String())
	query.Set("duration", "permanent")
	query.Set("scope", strings.Join(f.cfg.Scopes, " "))
	query.Set("code_challenge", challenge(verifier))
	query.Set("code_challenge_method", "S256")
	authz.URL = f.cfg.AuthURL + "?" + query.Encode()

	authz.server = &http.Server{Handler: http.HandlerFunc(authz.handleRedirect)}
	go func() {
		if err := authz.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Debug("redirect listener stopped", "error", err)
		}
	}()

	f.logger.Debug("authorization started", "redirect", redirect.String())
	return authz, nil
}

// handleRedirect accepts the single relevant redirect. The first GET settles
// the attempt, valid or not; non-GET requests are rejected without
// consuming it.
func (a *Authorization) handleRedirect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		desc := query.Get("error_description")
		http.Error(w, "authorization denied", http.StatusUnauthorized)
		a.deliver(callbackResult{err: fmt.Errorf("%w: %s %s", ErrAuthorizationDenied, providerErr, desc)})
		return
	}

	if query.Get("state") != a.state {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		a.deliver(callbackResult{err: ErrStateMismatch})
		return
	}

	code := query.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		a.deliver(callbackResult{err: errors.New("redirect missing code")})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, successPage)
	a.deliver(callbackResult{code: code})
}

func (a *Authorization) deliver(result callbackResult) {
	a.deliverOnce.Do(func() {
		a.resultCh <- result
	})
}

// RedirectAddr returns the address the listener is bound to.
func (a *Authorization) RedirectAddr() string {
	return a.listener.Addr().String()
}

// Wait blocks until the redirect arrives or ctx expires, returning the
// authorization code. Call from a worker, never the consumer goroutine.
func (a *Authorization) Wait(ctx context.Context) (string, error) {
	select {
	case result := <-a.resultCh:
		return result.code, result.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the listener. Safe to call multiple times.
func (a *Authorization) Close() {
	a.closeOnce.Do(func() {
		_ = a.server.Close()
	})
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
}

// Exchange swaps an authorization code for tokens. The returned token has
// no account id; the caller assigns one after identity lookup.
func (f *Flow) Exchange(ctx context.Context, authz *Authorization, code string) (*store.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.redirectURIFor(authz))
	form.Set("code_verifier", authz.verifier)

	return f.tokenRequest(ctx, form, nil)
}

func (f *Flow) redirectURIFor(authz *Authorization) string {
	redirect, err := url.Parse(f.cfg.RedirectURI)
	if err != nil {
		return f.cfg.RedirectURI
	}
	if _, port, err := net.SplitHostPort(authz.listener.Addr().String()); err == nil {
		hostname := redirect.Hostname()
		if hostname == "" {
			hostname = "localhost"
		}
		redirect.Host = net.JoinHostPort(hostname, port)
	}
	return redirect.String()
}

// Refresh exchanges the refresh token of current for a new token. A refresh
// response may omit the refresh token, in which case the current one is
// kept; a response missing both tokens fails the attempt.
func (f *Flow) Refresh(ctx context.Context, current store.Token) (*store.Token, error) {
	if current.RefreshToken == "" {
		return nil, errors.New("no refresh token")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)

	token, err := f.tokenRequest(ctx, form, &current)
	if err != nil {
		return nil, err
	}
	token.AccountID = current.AccountID
	return token, nil
}

func (f *Flow) tokenRequest(ctx context.Context, form url.Values, current *store.Token) (*store.Token, error) {
	if f.cfg.ClientSecret == "" {
		form.Set("client_id", f.cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if f.cfg.ClientSecret != "" {
		req.SetBasicAuth(f.cfg.ClientID, f.cfg.ClientSecret)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.Error != "" {
		return nil, fmt.Errorf("token endpoint error: %s", tr.Error)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response missing access token")
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn == 0 {
		expiresIn = defaultExpiresIn
	}

	scopes := f.cfg.Scopes
	if tr.Scope != "" {
		scopes = strings.Fields(tr.Scope)
	}

	refreshToken := tr.RefreshToken
	if refreshToken == "" {
		if current == nil || current.RefreshToken == "" {
			return nil, errors.New("token response missing refresh token")
		}
		refreshToken = current.RefreshToken
	}

	return &store.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    tr.TokenType,
		Scopes:       scopes,
		ExpiresAt:    f.now().Add(expiresIn).UTC(),
	}, nil
}
