package config

import "strings"

// AuthConfig controls how the HTTP layer resolves the calling principal.
//
// With a JWTSecret, requests must carry an HS256 bearer token whose subject is
// the user id. Without one, the X-User-ID header is trusted, which is only
// suitable behind an authenticating proxy or in development.
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`

	// AdminRole is matched against the token's "roles" claim.
	AdminRole string `env:"ADMIN_ROLE" envDefault:"admin"`

	// AdminUsers are user ids treated as admins regardless of token claims.
	AdminUsers []string `env:"ADMIN_USERS" envSeparator:","`
}

// Sanitize normalises the admin list.
func (a *AuthConfig) Sanitize() {
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	users := a.AdminUsers[:0]
	for _, u := range a.AdminUsers {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	a.AdminUsers = users
}

// TokensEnabled reports whether bearer tokens are required.
func (a *AuthConfig) TokensEnabled() bool {
	return a.JWTSecret != ""
}

// IsAdminUser reports whether id is listed in AdminUsers.
func (a *AuthConfig) IsAdminUser(id string) bool {
	for _, u := range a.AdminUsers {
		if u == id {
			return true
		}
	}
	return false
}
