package internal

import (
	"context"
	"time"
)

// TokenSession is the result of a successful credential introspection. It is
// attached to the request context by the auth interceptor and read by the
// streaming handlers.
type TokenSession struct {
	ClientID  string
	ExpiresAt time.Time
}

type sessionContextKey struct{}

// ContextWithSession attaches an introspected session to the context.
func ContextWithSession(ctx context.Context, session *TokenSession) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext retrieves the introspected session, if any.
func SessionFromContext(ctx context.Context) (*TokenSession, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(*TokenSession)
	return session, ok && session != nil
}
