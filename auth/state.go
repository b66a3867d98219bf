package auth

import "time"

// State is one phase of the per-account auth lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthorizationPending
	StateAuthenticated
	StateRefreshFailing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthorizationPending:
		return "authorization_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshFailing:
		return "refresh_failing"
	default:
		return "unknown"
	}
}

// Status is the observable auth state of an account. RefreshFailing records
// when refreshes started failing; the daemon keeps retrying and the state
// returns to Authenticated on the next success, never to Unauthenticated.
type Status struct {
	State        State
	FailingSince time.Time
}
