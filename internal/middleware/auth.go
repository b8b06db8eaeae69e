package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"raven/internal/auth"
	"raven/internal/httputil"
)

// DevAuthorHeader names the author when the API runs without a verifier.
const DevAuthorHeader = "X-Author-ID"

// publicPaths skip authentication
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Auth authenticates requests with a bearer token and puts the token subject
// in the request context as the author. EventSource clients cannot set
// headers, so the token is also accepted as the access_token query parameter.
//
// A nil verifier trusts the X-Author-ID header instead; dev only.
func Auth(verifier auth.TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if verifier == nil {
				author := r.Header.Get(DevAuthorHeader)
				if author == "" {
					author = "dev"
				}
				next.ServeHTTP(w, httputil.WithAuthorID(r, author))
				return
			}

			token := bearerToken(r)
			if token == "" {
				httputil.RespondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := verifier.VerifyToken(token)
			if err != nil {
				logger.Debug("request rejected",
					"path", r.URL.Path,
					"error", err,
				)
				httputil.RespondError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, httputil.WithAuthorID(r, claims.AuthorID()))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}
