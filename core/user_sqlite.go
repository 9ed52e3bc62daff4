package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type SQLiteUserStore struct {
	db *sql.DB
}

func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{
		db: db,
	}
}

func (s *SQLiteUserStore) CreateUser(ctx context.Context, user User) error {
	existing, err := s.GetUserByUsername(ctx, user.Username)
	if err != nil {
		return fmt.Errorf("checking if user exists: %w", err)
	}
	if existing != nil {
		return ErrConflictedUser
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (name, username, password) VALUES (@name, @username, @password)",
		sql.Named("name", user.Name),
		sql.Named("username", user.Username),
		sql.Named("password", string(hashed)))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) GetUsersByUsernames(ctx context.Context, usernames ...string) ([]UserWithoutSecrets, error) {
	if len(usernames) == 0 {
		return nil, nil
	}

	values := make([]any, 0, len(usernames))
	for _, username := range usernames {
		values = append(values, username)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, username FROM users WHERE username IN ("+strings.Repeat("?,", len(usernames)-1)+"?) ORDER BY username",
		values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	return scanUsers(rows)
}

func (s *SQLiteUserStore) GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error) {
	row := s.db.QueryRowContext(ctx, "SELECT name, username FROM users WHERE username = ? LIMIT 1", username)

	user := new(UserWithoutSecrets)
	if err := row.Scan(&user.Name, &user.Username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return user, nil
}

func (s *SQLiteUserStore) ComparePassword(ctx context.Context, username, password string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT password FROM users WHERE username = ? LIMIT 1", username)

	var stored string
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, fmt.Errorf("scanning password: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *SQLiteUserStore) GetUsers(ctx context.Context, opts *GetUsersOptions) ([]UserWithoutSecrets, error) {
	if opts == nil {
		opts = &GetUsersOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, username FROM users WHERE username LIKE @q ORDER BY username LIMIT @limit OFFSET @offset",
		sql.Named("q", opts.Q+"%"),
		sql.Named("limit", limit),
		sql.Named("offset", max(opts.Offset, 0)))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]UserWithoutSecrets, error) {
	users := []UserWithoutSecrets{}
	for rows.Next() {
		var user UserWithoutSecrets
		if err := rows.Scan(&user.Name, &user.Username); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return users, nil
}
