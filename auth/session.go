package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/feedloop/provider"
	"github.com/wolfeidau/feedloop/store"
	"github.com/wolfeidau/feedloop/telemetry"
)

const (
	// DefaultRefreshSkew is subtracted from token expiry so refresh happens
	// before the token actually expires.
	DefaultRefreshSkew = 30 * time.Second

	// refreshRetryDelay is the fixed delay between failed refresh attempts.
	refreshRetryDelay = 5 * time.Second

	// minWake bounds how soon a refresh daemon wakes after starting.
	minWake = time.Second

	// resumeDefaultExpiry is assumed when a stored token has no expiry.
	resumeDefaultExpiry = time.Hour
)

// ErrNoAccount is returned when the requested account is not known.
var ErrNoAccount = errors.New("no such account")

// Store is the persistence the session manager depends on.
type Store interface {
	UpsertAccount(ctx context.Context, account store.Account) (int64, error)
	GetAccount(ctx context.Context, id int64) (*store.Account, error)
	ListAccounts(ctx context.Context) ([]store.Account, error)
	UpsertToken(ctx context.Context, token store.Token) error
	GetToken(ctx context.Context, accountID int64) (*store.Token, error)
	LastActiveAccountID(ctx context.Context) (int64, error)
	SetLastActiveAccountID(ctx context.Context, id int64) error
}

var _ Store = (*store.BoltStore)(nil)

// IdentityFunc fetches the signed-in user's identity with a fresh access
// token. The default implementation uses the provider client.
type IdentityFunc func(ctx context.Context, accessToken string) (*provider.Identity, error)

// Session is one authenticated account held in memory.
type Session struct {
	Account store.Account
	Token   store.Token
}

type refreshHandle struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

// Manager owns the multi-account session registry: login, resume, account
// switching, per-account refresh daemons, and token access for API calls.
type Manager struct {
	store       Store
	flow        *Flow
	identity    IdentityFunc
	logger      *slog.Logger
	now         func() time.Time
	refreshSkew time.Duration

	mu       sync.Mutex
	sessions map[int64]*Session
	statuses map[int64]Status
	refresh  map[int64]*refreshHandle
	active   int64
	pending  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerNow sets the time function for testing.
func WithManagerNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRefreshSkew overrides the refresh safety margin.
func WithRefreshSkew(skew time.Duration) ManagerOption {
	return func(m *Manager) {
		m.refreshSkew = skew
	}
}

// WithIdentityFunc overrides how identities are fetched after login.
func WithIdentityFunc(fn IdentityFunc) ManagerOption {
	return func(m *Manager) {
		m.identity = fn
	}
}

// NewManager creates a session manager on top of a store and flow.
func NewManager(st Store, flow *Flow, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       st,
		flow:        flow,
		logger:      slog.Default(),
		now:         time.Now,
		refreshSkew: DefaultRefreshSkew,
		sessions:    make(map[int64]*Session),
		statuses:    make(map[int64]Status),
		refresh:     make(map[int64]*refreshHandle),
	}
	m.identity = func(ctx context.Context, accessToken string) (*provider.Identity, error) {
		client := provider.NewClient(staticToken(accessToken),
			provider.WithUserAgent(flow.cfg.UserAgent),
			provider.WithLogger(m.logger),
		)
		return client.Me(ctx)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type staticToken string

func (s staticToken) Token(_ context.Context) (string, error) {
	return string(s), nil
}

// BeginLogin starts a new authorization attempt.
func (m *Manager) BeginLogin() (*Authorization, error) {
	authz, err := m.flow.Begin()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.pending = true
	m.mu.Unlock()
	return authz, nil
}

// CompleteLogin blocks until the redirect arrives, exchanges the code,
// fetches the identity, persists the account and token, starts the refresh
// daemon, and makes the account active. Call from a worker goroutine.
func (m *Manager) CompleteLogin(ctx context.Context, authz *Authorization) (*store.Account, error) {
	defer authz.Close()
	defer func() {
		m.mu.Lock()
		m.pending = false
		m.mu.Unlock()
	}()

	code, err := authz.Wait(ctx)
	if err != nil {
		return nil, err
	}

	token, err := m.flow.Exchange(ctx, authz, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	identity, err := m.identity(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetching identity: %w", err)
	}

	id, err := m.store.UpsertAccount(ctx, store.Account{
		ProviderID:  identity.ProviderID,
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting account: %w", err)
	}

	token.AccountID = id
	if err := m.store.UpsertToken(ctx, *token); err != nil {
		return nil, fmt.Errorf("persisting token: %w", err)
	}

	account, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = &Session{Account: *account, Token: *token}
	m.statuses[id] = Status{State: StateAuthenticated}
	m.active = id
	m.mu.Unlock()

	if err := m.store.SetLastActiveAccountID(ctx, id); err != nil {
		m.logger.Warn("persisting active account pointer", "error", err)
	}

	m.StartRefresh(id, *token)

	m.logger.Info("signed in", "account_id", id, "username", account.Username)
	return account, nil
}

// Resume reconstructs a session from persisted token data without a network
// round trip. A token without an expiry is assumed to expire in one hour.
func (m *Manager) Resume(ctx context.Context, account store.Account) error {
	token, err := m.store.GetToken(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("loading token: %w", err)
	}

	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = m.now().Add(resumeDefaultExpiry).UTC()
	}

	m.mu.Lock()
	m.sessions[account.ID] = &Session{Account: account, Token: *token}
	m.statuses[account.ID] = Status{State: StateAuthenticated}
	m.mu.Unlock()

	m.StartRefresh(account.ID, *token)
	return nil
}

// LoadExisting resumes every stored account that has a token, then restores
// the last active account. Accounts without tokens are skipped.
func (m *Manager) LoadExisting(ctx context.Context) error {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	for _, account := range accounts {
		if err := m.Resume(ctx, account); err != nil {
			m.logger.Warn("skipping account without usable token",
				"account_id", account.ID,
				"error", err,
			)
		}
	}

	lastActive, err := m.store.LastActiveAccountID(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.sessions[lastActive]; ok {
		m.active = lastActive
	}
	m.mu.Unlock()
	return nil
}

// Switch makes an account active, reusing its live session or rehydrating
// from the store. The last-active pointer is persisted.
func (m *Manager) Switch(ctx context.Context, accountID int64) error {
	m.mu.Lock()
	_, live := m.sessions[accountID]
	m.mu.Unlock()

	if !live {
		account, err := m.store.GetAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNoAccount
			}
			return err
		}
		if err := m.Resume(ctx, *account); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.active = accountID
	m.mu.Unlock()

	if err := m.store.SetLastActiveAccountID(ctx, accountID); err != nil {
		m.logger.Warn("persisting active account pointer", "error", err)
	}
	return nil
}

// Active returns the active session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[m.active]
	if !ok {
		return nil, false
	}
	copied := *session
	return &copied, true
}

// Status reports the overall auth state: the in-flight login if one is
// pending, otherwise the active account's state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending {
		return Status{State: StateAuthorizationPending}
	}
	if status, ok := m.statuses[m.active]; ok {
		return status
	}
	return Status{State: StateUnauthenticated}
}

// AccountStatus reports one account's auth state.
func (m *Manager) AccountStatus(accountID int64) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if status, ok := m.statuses[accountID]; ok {
		return status
	}
	return Status{State: StateUnauthenticated}
}

// TokenProvider returns an accessor that reads the latest persisted token
// for an account on every call.
func (m *Manager) TokenProvider(accountID int64) provider.TokenProvider {
	return tokenAccessor{store: m.store, accountID: accountID}
}

type tokenAccessor struct {
	store     Store
	accountID int64
}

func (t tokenAccessor) Token(ctx context.Context) (string, error) {
	token, err := t.store.GetToken(ctx, t.accountID)
	if err != nil {
		return "", fmt.Errorf("loading token: %w", err)
	}
	return token.AccessToken, nil
}

// StartRefresh starts the refresh daemon for an account. Any existing
// daemon for the same account is stopped and joined first, so exactly one
// daemon runs per account.
func (m *Manager) StartRefresh(accountID int64, token store.Token) {
	m.StopRefresh(accountID)

	handle := &refreshHandle{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	m.mu.Lock()
	m.refresh[accountID] = handle
	m.mu.Unlock()

	go m.runRefresh(accountID, token, handle)
}

// StopRefresh stops and joins the refresh daemon for an account, if any.
func (m *Manager) StopRefresh(accountID int64) {
	m.mu.Lock()
	handle, ok := m.refresh[accountID]
	if ok {
		delete(m.refresh, accountID)
	}
	m.mu.Unlock()

	if ok {
		close(handle.stopCh)
		<-handle.doneCh
	}
}

// Close stops every refresh daemon.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := m.refresh
	m.refresh = make(map[int64]*refreshHandle)
	m.mu.Unlock()

	for _, handle := range handles {
		close(handle.stopCh)
		<-handle.doneCh
	}
}

// runRefresh sleeps until just before the token expires, refreshes it, and
// repeats. Failures are retried after a fixed delay forever; the daemon
// exits only on stop. The in-memory token stays authoritative when a store
// write fails.
func (m *Manager) runRefresh(accountID int64, token store.Token, handle *refreshHandle) {
	defer close(handle.doneCh)

	for {
		wake := token.ExpiresAt.Sub(m.now()) - m.refreshSkew
		if wake < minWake {
			wake = minWake
		}

		timer := time.NewTimer(wake)
		select {
		case <-handle.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		refreshed, err := m.flow.Refresh(context.Background(), token)
		if err != nil {
			telemetry.RecordTokenRefresh(context.Background(), "error")
			m.logger.Warn("token refresh failed, retrying",
				"account_id", accountID,
				"retry_in", refreshRetryDelay,
				"error", err,
			)
			m.markRefreshFailing(accountID)

			timer := time.NewTimer(refreshRetryDelay)
			select {
			case <-handle.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		token = *refreshed
		telemetry.RecordTokenRefresh(context.Background(), "success")

		if err := m.store.UpsertToken(context.Background(), token); err != nil {
			m.logger.Warn("persisting refreshed token", "account_id", accountID, "error", err)
		}

		m.mu.Lock()
		if session, ok := m.sessions[accountID]; ok {
			session.Token = token
		}
		m.statuses[accountID] = Status{State: StateAuthenticated}
		m.mu.Unlock()

		m.logger.Debug("token refreshed",
			"account_id", accountID,
			"expires_at", token.ExpiresAt,
		)
	}
}

func (m *Manager) markRefreshFailing(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.statuses[accountID]
	if status.State != StateRefreshFailing {
		m.statuses[accountID] = Status{
			State:        StateRefreshFailing,
			FailingSince: m.now(),
		}
	}
}
