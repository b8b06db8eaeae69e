package tools

import "context"

// Scope identifies the conversation a tool call runs for.
type Scope struct {
	ConversationID string
	AuthorID       string
}

type scopeKey struct{}

// WithScope attaches the conversation scope to ctx.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the conversation scope carried by ctx.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	return scope, ok && scope.ConversationID != ""
}
