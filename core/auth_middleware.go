package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/putto11262002/realtime/pkg/router"
)

type sessionKey struct{}

// TokenQueryParam carries the bearer token for browser sockets, which
// cannot set headers.
const TokenQueryParam = "access_token"

func contextWithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

func sessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(sessionKey{}).(Session)
	return session, ok
}

// SessionFromRequest extracts the session from the request context.
// It panics when called outside a handler protected by JWTMiddleware.
func SessionFromRequest(r *http.Request) Session {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		panic("session not found in request context: call this function in handlers that are protected by JWTMiddleware")
	}
	return session
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// JWTMiddleware resolves the bearer token and attaches the session to the
// request context. Requests without a valid token get a 401.
func JWTMiddleware(a AuthStore) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")

		return func(w http.ResponseWriter, r *http.Request) error {
			token := bearerToken(r)
			if token == "" {
				return authErr
			}

			session, err := a.Session(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					return authErr
				}
				return err
			}

			next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), *session)))
			return nil
		}
	}
}
