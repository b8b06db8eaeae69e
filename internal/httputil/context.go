package httputil

import (
	"context"
	"net/http"
)

type contextKey string

const authorIDKey contextKey = "authorID"

// WithAuthorID returns a copy of r carrying the authenticated author.
func WithAuthorID(r *http.Request, authorID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), authorIDKey, authorID))
}

// AuthorID returns the authenticated author, or "" outside the auth middleware.
func AuthorID(r *http.Request) string {
	authorID, _ := r.Context().Value(authorIDKey).(string)
	return authorID
}
