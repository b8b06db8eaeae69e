package channels

import (
	"context"
	"log/slog"

	llmSvc "raven/internal/domain/services/llm"
)

// Route sends the conversations it matches to one channel.
type Route struct {
	Name    string
	Match   func(conversationID string) bool
	Channel llmSvc.DeliveryChannel
}

// Router delivers through the first route matching the conversation.
// Conversations no route matches are only visible on the run event stream.
type Router struct {
	routes []Route
	logger *slog.Logger
}

var (
	_ llmSvc.DeliveryChannel = (*Router)(nil)
	_ llmSvc.TypingNotifier  = (*Router)(nil)
)

// NewRouter creates a router over routes, tried in order.
func NewRouter(logger *slog.Logger, routes ...Route) *Router {
	return &Router{routes: routes, logger: logger}
}

func (r *Router) Send(ctx context.Context, conversationID, text string) error {
	route, ok := r.route(conversationID)
	if !ok {
		r.logger.Debug("no channel for conversation, message kept on the event stream",
			"conversation_id", conversationID,
		)
		return nil
	}
	return route.Channel.Send(ctx, conversationID, text)
}

func (r *Router) Typing(ctx context.Context, conversationID string) error {
	route, ok := r.route(conversationID)
	if !ok {
		return nil
	}
	if notifier, ok := route.Channel.(llmSvc.TypingNotifier); ok {
		return notifier.Typing(ctx, conversationID)
	}
	return nil
}

func (r *Router) route(conversationID string) (Route, bool) {
	for _, route := range r.routes {
		if route.Match == nil || route.Match(conversationID) {
			return route, true
		}
	}
	return Route{}, false
}
