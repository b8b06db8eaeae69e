package auth

import "raven/internal/domain/models"

// TokenVerifier validates bearer tokens for the HTTP API.
type TokenVerifier interface {
	// VerifyToken parses and validates a token. Any failure is domain.ErrUnauthorized.
	VerifyToken(tokenString string) (*models.Claims, error)

	// Close releases the key set refresher
	Close() error
}
