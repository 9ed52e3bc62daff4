package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Session struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
)

type AuthStore interface {
	NewSession(ctx context.Context, username, password string) (*Session, error)

	// Session resolves a bearer token. It returns ErrUnauthenticated for
	// tokens that are expired, malformed or belong to no user.
	Session(ctx context.Context, token string) (*Session, error)
}

// JWTAuthStore issues stateless HS256 session tokens.
type JWTAuthStore struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
}

func NewJWTAuthStore(users UserStore, secret []byte, ttl time.Duration) *JWTAuthStore {
	return &JWTAuthStore{users: users, secret: secret, ttl: ttl}
}

func (a *JWTAuthStore) NewSession(ctx context.Context, username, password string) (*Session, error) {
	ok, err := a.users.ComparePassword(ctx, username, password)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("ComparePassword: %w", err)
	}
	if !ok {
		return nil, ErrBadCredentials
	}

	token, exp, err := NewToken(UserWithoutSecrets{Username: username}, a.ttl, a.secret)
	if err != nil {
		return nil, fmt.Errorf("NewToken: %w", err)
	}
	return &Session{Username: username, Token: token, ExpiresAt: exp}, nil
}

func (a *JWTAuthStore) Session(ctx context.Context, token string) (*Session, error) {
	claims, err := VerifyToken(token, a.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	user, err := a.users.GetUserByUsername(ctx, claims.Username)
	if err != nil {
		return nil, fmt.Errorf("GetUserByUsername: %w", err)
	}
	if user == nil {
		return nil, ErrUnauthenticated
	}
	return &Session{
		Username:  claims.Username,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
