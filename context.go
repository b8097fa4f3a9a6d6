package acton

import "context"

type contextKey int

const threadIDKey contextKey = iota

// WithThreadID tags a context with the conversation thread id. The
// runtime sets it before dispatching tools; built-in tools read it to
// address per-thread resources (generated functions, reply routing).
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadIDKey, threadID)
}

// ThreadIDFromContext returns the thread id set by WithThreadID.
func ThreadIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(threadIDKey).(string)
	return id, ok && id != ""
}
