package accounts

import "time"

// Role controls access to the administrative surface.
type Role string

const (
	RoleMember Role = "MEMBER"
	RoleAdmin  Role = "ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

// Account is an authenticated principal with a metered credit balance.
// Only the SHA-256 digest of the API key is stored; the raw key exists
// exactly once, in the create-account response.
type Account struct {
	ID         string
	Username   string
	APIKeyHash string
	Role       Role
	Credits    int
	CreatedAt  time.Time
}

// IsAdmin reports whether the account may use admin endpoints.
func (a *Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}
