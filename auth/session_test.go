package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/feedloop/provider"
	"github.com/wolfeidau/feedloop/store"
)

func newSessionStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s := store.NewBoltStore()
	require.NoError(t, s.Open(filepath.Join(t.TempDir(), "state.db")))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAccount(t *testing.T, st *store.BoltStore, providerID string, token store.Token) store.Account {
	t.Helper()
	ctx := context.Background()

	id, err := st.UpsertAccount(ctx, store.Account{ProviderID: providerID, Username: providerID})
	require.NoError(t, err)

	token.AccountID = id
	require.NoError(t, st.UpsertToken(ctx, token))

	account, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	return *account
}

func TestStartRefreshIdempotent(t *testing.T) {
	st := newSessionStore(t)
	flow := newTestFlow(t, Config{})
	m := NewManager(st, flow)
	t.Cleanup(m.Close)

	token := store.Token{
		AccountID:    1,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	}

	m.StartRefresh(1, token)
	m.StartRefresh(1, token)

	m.mu.Lock()
	count := len(m.refresh)
	m.mu.Unlock()
	require.Equal(t, 1, count)

	m.StopRefresh(1)

	m.mu.Lock()
	count = len(m.refresh)
	m.mu.Unlock()
	require.Zero(t, count)
}

func TestRefreshDaemonRefreshesAndPersists(t *testing.T) {
	st := newSessionStore(t)

	var refreshes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		fmt.Fprint(w, `{"access_token": "access-new", "refresh_token": "refresh-new", "token_type": "bearer", "expires_in": 3600}`)
	}))
	defer srv.Close()

	flow := newTestFlow(t, Config{TokenURL: srv.URL})
	m := NewManager(st, flow)
	t.Cleanup(m.Close)

	account := seedAccount(t, st, "user-1", store.Token{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		// Already past the skew window, so the daemon wakes at the
		// minimum delay.
		ExpiresAt: time.Now(),
	})

	m.StartRefresh(account.ID, store.Token{
		AccountID:    account.ID,
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now(),
	})

	require.Eventually(t, func() bool {
		token, err := st.GetToken(context.Background(), account.ID)
		return err == nil && token.AccessToken == "access-new"
	}, 5*time.Second, 50*time.Millisecond)

	require.GreaterOrEqual(t, refreshes.Load(), int64(1))
	require.Equal(t, StateAuthenticated, m.AccountStatus(account.ID).State)
}

func TestRefreshFailureSetsStatusAndStopInterruptsRetry(t *testing.T) {
	st := newSessionStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	flow := newTestFlow(t, Config{TokenURL: srv.URL})
	m := NewManager(st, flow)
	t.Cleanup(m.Close)

	m.StartRefresh(9, store.Token{
		AccountID:    9,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now(),
	})

	require.Eventually(t, func() bool {
		return m.AccountStatus(9).State == StateRefreshFailing
	}, 5*time.Second, 50*time.Millisecond)
	require.False(t, m.AccountStatus(9).FailingSince.IsZero())

	// The daemon is now inside its fixed retry delay; stop must interrupt
	// it promptly rather than waiting the delay out.
	done := make(chan struct{})
	go func() {
		m.StopRefresh(9)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopRefresh did not interrupt the retry delay")
	}
}

func TestCompleteLogin(t *testing.T) {
	st := newSessionStore(t)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token": "access-1", "refresh_token": "refresh-1", "token_type": "bearer", "expires_in": 3600}`)
	}))
	defer tokenSrv.Close()

	flow := newTestFlow(t, Config{TokenURL: tokenSrv.URL})
	m := NewManager(st, flow, WithIdentityFunc(func(_ context.Context, accessToken string) (*provider.Identity, error) {
		require.Equal(t, "access-1", accessToken)
		return &provider.Identity{ProviderID: "prov-1", Username: "tester", DisplayName: "u/tester"}, nil
	}))
	t.Cleanup(m.Close)

	authz, err := m.BeginLogin()
	require.NoError(t, err)
	require.Equal(t, StateAuthorizationPending, m.Status().State)

	// Simulate the browser redirect arriving.
	go func() {
		resp, err := http.Get(fmt.Sprintf("http://%s/callback?state=%s&code=the-code", authz.RedirectAddr(), authz.state))
		if err == nil {
			_ = resp.Body.Close()
		}
	}()

	account, err := m.CompleteLogin(context.Background(), authz)
	require.NoError(t, err)
	require.Equal(t, "tester", account.Username)
	require.Equal(t, "u/tester", account.DisplayName)

	require.Equal(t, StateAuthenticated, m.Status().State)

	session, ok := m.Active()
	require.True(t, ok)
	require.Equal(t, account.ID, session.Account.ID)

	stored, err := st.GetToken(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, "access-1", stored.AccessToken)

	lastActive, err := st.LastActiveAccountID(context.Background())
	require.NoError(t, err)
	require.Equal(t, account.ID, lastActive)
}

func TestResumeDefaultsMissingExpiry(t *testing.T) {
	st := newSessionStore(t)
	flow := newTestFlow(t, Config{})

	fixed := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	m := NewManager(st, flow, WithManagerNow(func() time.Time { return fixed }))
	t.Cleanup(m.Close)

	account := seedAccount(t, st, "user-1", store.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
	})

	require.NoError(t, m.Resume(context.Background(), account))

	m.mu.Lock()
	session := m.sessions[account.ID]
	m.mu.Unlock()
	require.NotNil(t, session)
	require.True(t, session.Token.ExpiresAt.Equal(fixed.Add(time.Hour)))
	require.Equal(t, StateAuthenticated, m.AccountStatus(account.ID).State)
}

func TestLoadExistingRestoresActiveAccount(t *testing.T) {
	st := newSessionStore(t)
	flow := newTestFlow(t, Config{})
	m := NewManager(st, flow)
	t.Cleanup(m.Close)

	first := seedAccount(t, st, "user-1", store.Token{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	})
	second := seedAccount(t, st, "user-2", store.Token{
		AccessToken:  "a2",
		RefreshToken: "r2",
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, st.SetLastActiveAccountID(context.Background(), second.ID))

	// One account without a token resumes nothing.
	_, err := st.UpsertAccount(context.Background(), store.Account{ProviderID: "user-3"})
	require.NoError(t, err)

	require.NoError(t, m.LoadExisting(context.Background()))

	session, ok := m.Active()
	require.True(t, ok)
	require.Equal(t, second.ID, session.Account.ID)

	require.Equal(t, StateAuthenticated, m.AccountStatus(first.ID).State)

	m.mu.Lock()
	count := len(m.sessions)
	m.mu.Unlock()
	require.Equal(t, 2, count)
}

func TestSwitchRehydratesFromStore(t *testing.T) {
	st := newSessionStore(t)
	flow := newTestFlow(t, Config{})
	m := NewManager(st, flow)
	t.Cleanup(m.Close)

	account := seedAccount(t, st, "user-1", store.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	})

	require.NoError(t, m.Switch(context.Background(), account.ID))

	session, ok := m.Active()
	require.True(t, ok)
	require.Equal(t, account.ID, session.Account.ID)

	lastActive, err := st.LastActiveAccountID(context.Background())
	require.NoError(t, err)
	require.Equal(t, account.ID, lastActive)
}

func TestSwitchUnknownAccount(t *testing.T) {
	st := newSessionStore(t)
	flow := newTestFlow(t, Config{})
	m := NewManager(st, flow)
	t.Cleanup(m.Close)

	err := m.Switch(context.Background(), 99)
	require.ErrorIs(t, err, ErrNoAccount)
}

func TestTokenProviderReadsLatestToken(t *testing.T) {
	st := newSessionStore(t)
	flow := newTestFlow(t, Config{})
	m := NewManager(st, flow)
	t.Cleanup(m.Close)

	account := seedAccount(t, st, "user-1", store.Token{
		AccessToken:  "access-v1",
		RefreshToken: "refresh",
	})

	tokens := m.TokenProvider(account.ID)

	access, err := tokens.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-v1", access)

	// A background refresh persists a new token; the accessor sees it
	// without the caller doing anything.
	require.NoError(t, st.UpsertToken(context.Background(), store.Token{
		AccountID:    account.ID,
		AccessToken:  "access-v2",
		RefreshToken: "refresh",
	}))

	access, err = tokens.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-v2", access)
}

func TestStatusUnauthenticatedByDefault(t *testing.T) {
	st := newSessionStore(t)
	m := NewManager(st, newTestFlow(t, Config{}))
	t.Cleanup(m.Close)

	require.Equal(t, StateUnauthenticated, m.Status().State)
}
