package stdio

import "context"

// SessionInfo identifies one run of a Server.
type SessionInfo struct {
	// ID is a random identifier unique to the run.
	ID string
	// UserID is the peer identity reported by the UserProvider. It is empty
	// when the lookup failed.
	UserID string
}

type sessionKey struct{}

func withSession(ctx context.Context, info SessionInfo) context.Context {
	return context.WithValue(ctx, sessionKey{}, info)
}

// SessionFromContext returns the session a Handler invocation belongs to.
func SessionFromContext(ctx context.Context) (SessionInfo, bool) {
	info, ok := ctx.Value(sessionKey{}).(SessionInfo)
	return info, ok
}
