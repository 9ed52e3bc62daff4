package core

import (
	"context"
	"errors"
)

type User struct {
	Name     string `json:"name" validate:"required,max=64"`
	Username string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type UserWithoutSecrets struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

var (
	ErrConflictedUser = errors.New("user already exists")
	ErrUserNotFound   = errors.New("user not found")
)

type GetUsersOptions struct {
	// Q matches usernames by prefix.
	Q      string
	Limit  int
	Offset int
}

type UserStore interface {
	CreateUser(ctx context.Context, user User) error

	// GetUserByUsername returns nil, nil when no such user exists.
	GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error)

	GetUsersByUsernames(ctx context.Context, usernames ...string) ([]UserWithoutSecrets, error)

	ComparePassword(ctx context.Context, username, password string) (bool, error)

	GetUsers(ctx context.Context, opts *GetUsersOptions) ([]UserWithoutSecrets, error)
}
