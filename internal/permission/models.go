package permission

import (
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// Scopes recognised by the relay
const (
	ScopeConnect = "relay:connect"
	ScopeStats   = "relay:stats"
)

// Token represents the claims required in a relay credential.
// The registered Subject claim carries the user identifier that the
// relay resolves a connection to at handshake time; an external
// identity provider mints these tokens, the relay only verifies them.
type Token struct {

	// Scopes controlling access to the relay;
	// must include "relay:connect" to open a connection,
	// "relay:stats" to read the status endpoint
	Scopes []string `json:"scopes"`

	jwt.RegisteredClaims
}

// NewToken returns a Token populated with the supplied information
func NewToken(audience, subject string, scopes []string, iat, nbf, exp int64) Token {

	return Token{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Unix(iat, 0)),
			NotBefore: jwt.NewNumericDate(time.Unix(nbf, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(exp, 0)),
			Audience:  []string{audience},
			Subject:   subject,
		},
	}
}

// HasRequiredClaims returns false if the Token is missing any required elements
func HasRequiredClaims(token Token) bool {

	if token.Subject == "" ||
		len(token.Scopes) == 0 ||
		len(token.RegisteredClaims.Audience) == 0 ||
		token.RegisteredClaims.ExpiresAt == nil ||
		(*token.RegisteredClaims.ExpiresAt).IsZero() {
		return false
	}
	return true
}

// HasScope returns true if the token carries the named scope
func (t *Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
