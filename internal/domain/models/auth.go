package models

import "github.com/golang-jwt/jwt/v5"

// Claims is the JWT payload accepted by the HTTP API.
// The subject claim is the author of every request made with the token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"` // "authenticated" or "anon"
}

// AuthorID returns the subject claim.
func (c *Claims) AuthorID() string {
	return c.Subject
}
