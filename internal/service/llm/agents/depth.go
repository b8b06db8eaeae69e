package agents

import "context"

type depthKey struct{}

// withDepth records how many agent invocations enclose ctx.
func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// Depth returns the agent nesting depth of ctx, zero outside any agent.
func Depth(ctx context.Context) int {
	depth, _ := ctx.Value(depthKey{}).(int)
	return depth
}
