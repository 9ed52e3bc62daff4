package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

const issuer = "realtime"

type AuthClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewClaim(user UserWithoutSecrets, exp time.Time) *AuthClaims {
	return &AuthClaims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
		},
	}
}

// NewToken signs an HS256 token for user valid for expiration.
func NewToken(user UserWithoutSecrets, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, NewClaim(user, exp))

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", exp, err
	}
	return signed, exp, nil
}

func VerifyToken(token string, secret []byte) (*AuthClaims, error) {
	claims := &AuthClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(issuer))

	switch {
	case err == nil && parsed.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}
