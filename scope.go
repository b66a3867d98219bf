package feedloop

import "fmt"

// Scope identifies which account's data a cache entry belongs to. The
// anonymous scope is the zero value, so an uninitialized scope never matches
// a signed-in account's entries.
type Scope struct {
	accountID int64
}

// Anonymous is the scope used before any account is active.
var Anonymous = Scope{}

// AccountScope returns the scope for the given account id.
func AccountScope(accountID int64) Scope {
	return Scope{accountID: accountID}
}

// IsAnonymous reports whether the scope belongs to no account.
func (s Scope) IsAnonymous() bool {
	return s.accountID == 0
}

// AccountID returns the account id, or zero for the anonymous scope.
func (s Scope) AccountID() int64 {
	return s.accountID
}

// String implements fmt.Stringer for log output.
func (s Scope) String() string {
	if s.IsAnonymous() {
		return "anonymous"
	}
	return fmt.Sprintf("account(%d)", s.accountID)
}
