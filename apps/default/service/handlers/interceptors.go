package handlers

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/alcosi/twinhorn/apps/default/service"
	"github.com/alcosi/twinhorn/apps/default/service/business"
	"github.com/alcosi/twinhorn/internal"
	"github.com/alcosi/twinhorn/internal/telemetry"
	"github.com/pitabwire/util"
)

const (
	bearerScheme     = "Bearer"
	bearerTokenParts = 2
)

// AuthInterceptor implements connect.Interceptor. Every call presents a bearer
// token which is verified against the remote introspection endpoint; the
// resolved session is recorded and placed on the request context.
type AuthInterceptor struct {
	introspector business.TokenIntrospector
	sessions     business.SessionBusiness
}

// NewAuthInterceptor creates a new authentication interceptor.
func NewAuthInterceptor(
	introspector business.TokenIntrospector,
	sessions business.SessionBusiness,
) *AuthInterceptor {
	return &AuthInterceptor{
		introspector: introspector,
		sessions:     sessions,
	}
}

// authenticate verifies the Authorization header and returns a context
// carrying the introspected session.
func (a *AuthInterceptor) authenticate(ctx context.Context, authorizationHeader string) (_ context.Context, err error) {
	ctx, span := telemetry.AuthTracer.Start(ctx, "auth.authenticate")
	defer func() { telemetry.AuthTracer.End(ctx, span, err) }()

	logger := util.Log(ctx)

	if authorizationHeader == "" || !strings.HasPrefix(authorizationHeader, bearerScheme+" ") {
		logger.Debug("could not authenticate, missing bearer token")
		return ctx, service.ToConnectError(service.ErrTokenRequired)
	}

	tokenParts := strings.Split(authorizationHeader, " ")
	if len(tokenParts) != bearerTokenParts {
		logger.Debug("could not authenticate, token format is not valid")
		return ctx, service.ToConnectError(service.ErrTokenMalformed)
	}

	token := strings.TrimSpace(tokenParts[1])
	if token == "" {
		return ctx, service.ToConnectError(service.ErrTokenMalformed)
	}

	// Any introspection failure, a rejected token or an unreachable
	// introspection service alike, closes the call as unauthenticated.
	session, err := a.introspector.Introspect(ctx, token)
	if err != nil {
		logger.WithError(err).Info("could not authenticate token")
		return ctx, connect.NewError(connect.CodeUnauthenticated, err)
	}

	if err = a.sessions.RecordActiveSession(ctx, token, session); err != nil {
		logger.WithError(err).WithField("client_id", session.ClientID).
			Error("could not persist client session")
		return ctx, service.ToConnectError(err)
	}

	return internal.ContextWithSession(ctx, session), nil
}

// WrapUnary implements the unary interceptor for authentication.
func (a *AuthInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return connect.UnaryFunc(func(
		ctx context.Context,
		req connect.AnyRequest,
	) (connect.AnyResponse, error) {
		ctx, err := a.authenticate(ctx, req.Header().Get("Authorization"))
		if err != nil {
			return nil, err
		}

		return next(ctx, req)
	})
}

// WrapStreamingClient implements the streaming client interceptor (pass-through for server-side).
func (a *AuthInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements the streaming handler interceptor for authentication.
func (a *AuthInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return connect.StreamingHandlerFunc(func(
		ctx context.Context,
		conn connect.StreamingHandlerConn,
	) error {
		ctx, err := a.authenticate(ctx, conn.RequestHeader().Get("Authorization"))
		if err != nil {
			return err
		}

		return next(ctx, conn)
	})
}
