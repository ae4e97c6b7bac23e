// Package tokens implements the credential token lifecycle: issuing
// password-grant tokens against the identity endpoint, persisting them as
// immutable grant records, and serving a currently-valid access token on
// demand. A refresh is never an in-place mutation — it is a new record
// plus a revoke of the old one.
package tokens

import "time"

// Record is one issued credential grant. Rows are only ever mutated to
// flip IsRevoked (and bump UpdatedAt); access token and expiry never
// change in place.
type Record struct {
	ID           int64
	Login        string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string

	// ExpiresInS is the server-reported TTL in seconds, kept for audit.
	// Zero when the server reported none.
	ExpiresInS int64

	IssuedAt time.Time

	// ExpiresAt is IssuedAt plus the server-reported TTL.
	// Nil means the grant does not expire.
	ExpiresAt *time.Time

	IsRevoked bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
