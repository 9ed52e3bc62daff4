package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var secret = []byte("c2VjcmV0")

type BaseFixture struct {
	ctx      context.Context
	db       *SQLiteDB
	t        *testing.T
	tearDown func()
}

func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "relay.db"), &SQLiteDBOption{
		JournalMode: "WAL",
		BusyTimeout: 5000,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	f := &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
	t.Cleanup(f.tearDown)
	return f
}

type StoreFixture struct {
	*BaseFixture
	userStore    *SQLiteUserStore
	messageStore *SQLiteMessageStore
	authStore    *JWTAuthStore
}

func NewStoreFixture(t *testing.T, users ...User) *StoreFixture {
	base := NewBaseFixture(t)
	userStore := NewSQLiteUserStore(base.db.DB)
	f := &StoreFixture{
		BaseFixture:  base,
		userStore:    userStore,
		messageStore: NewSQLiteMessageStore(base.db.DB),
		authStore:    NewJWTAuthStore(userStore, secret, time.Hour),
	}
	seedUsers(f.ctx, t, userStore, users...)
	return f
}

func seedUsers(ctx context.Context, t *testing.T, userStore UserStore, users ...User) {
	for _, u := range users {
		require.NoError(t, userStore.CreateUser(ctx, u))
	}
}

var (
	alice = User{Username: "alice", Name: "Alice", Password: "password1"}
	bob   = User{Username: "bob", Name: "Bob", Password: "password2"}
	carol = User{Username: "carol", Name: "Carol", Password: "password3"}
)
