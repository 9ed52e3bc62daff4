package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/putto11262002/realtime/pkg/restapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T) *Config {
	cfg := &Config{
		Port:           8080,
		Hostname:       "127.0.0.1",
		Mode:           DevMode,
		AllowedOrigins: []string{"*"},
		WriteQueue:     16,
	}
	cfg.Auth.Secret = Base64Encoded("0123456789abcdef0123456789abcdef")
	cfg.Auth.TokenTTL = time.Hour
	cfg.SQLite.File = filepath.Join(t.TempDir(), "relay.db")
	cfg.SQLite.BusyTimeout = 5000
	return cfg
}

type relayFixture struct {
	app    *App
	server *httptest.Server
	api    *restapi.Client
}

// newRelay starts a relay on a test server. Cleanups run in reverse, so the
// app closes its sockets before the test server stops.
func newRelay(t *testing.T) *relayFixture {
	t.Helper()
	app, err := New(context.Background(), testConfig(t), testLogger)
	require.NoError(t, err)
	app.Start()

	server := httptest.NewServer(app.Handler())
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, app.Close(ctx))
	})

	api, err := restapi.New(server.URL)
	require.NoError(t, err)
	return &relayFixture{app: app, server: server, api: api}
}

// signIn registers username with password "password" and returns an
// authorized REST client.
func (f *relayFixture) signIn(t *testing.T, username string) *restapi.Client {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.api.Register(ctx, strings.ToUpper(username[:1])+username[1:], username, "password"))
	s, err := f.api.SignIn(ctx, username, "password")
	require.NoError(t, err)
	return f.api.Authorized(s.Token)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
port: 9090
mode: prod
auth:
  token_ttl: 2h
sqlite:
  file: /tmp/test.db
allowed_origins: http://a.test,http://b.test
`), 0600))
	t.Setenv("RELAY_HOSTNAME", "127.0.0.1")
	t.Setenv("RELAY_WRITE_QUEUE", "7")

	cfg, err := LoadConfig(file)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Hostname)
	assert.Equal(t, ProdMode, cfg.Mode)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenTTL)
	assert.Len(t, cfg.Auth.Secret, 32)
	assert.Equal(t, "/tmp/test.db", cfg.SQLite.File)
	assert.Equal(t, 5000, cfg.SQLite.BusyTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, 7, cfg.WriteQueue)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	cfg.Port = 70000
	cfg.Mode = "staging"
	cfg.Auth.Secret = Base64Encoded("short")
	cfg.TLS.Crt = "server.crt"
	err := cfg.Validate()
	require.Error(t, err)

	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 4)

	lines := FormatValidationErrors(err)
	assert.Contains(t, lines, "port")
	assert.Contains(t, lines, "mode")
	assert.Contains(t, lines, "secret")
	assert.Contains(t, lines, "key")

	_, err = New(context.Background(), cfg, testLogger)
	assert.ErrorContains(t, err, "invalid config")
}

func TestAuthEndpoints(t *testing.T) {
	f := newRelay(t)
	ctx := context.Background()

	require.NoError(t, f.api.Register(ctx, "Alice", "alice", "password"))

	err := f.api.Register(ctx, "Alice", "alice", "password")
	var apiErr *restapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	err = f.api.Register(ctx, "", "a!", "short")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	_, err = f.api.SignIn(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, restapi.ErrUnauthorized)

	s, err := f.api.SignIn(ctx, "alice", "password")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Username)
	assert.NotEmpty(t, s.Token)

	_, err = f.api.Conversations(ctx)
	assert.ErrorIs(t, err, restapi.ErrUnauthorized)
	convs, err := f.api.Authorized(s.Token).Conversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestMessageEndpoints(t *testing.T) {
	f := newRelay(t)
	ctx := context.Background()
	alice := f.signIn(t, "alice")
	bob := f.signIn(t, "bob")

	_, err := alice.SendText(ctx, "nobody", "hi", "")
	assert.ErrorIs(t, err, restapi.ErrNotFound)

	_, err = alice.SendText(ctx, "alice", "hi", "")
	var apiErr *restapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	first, err := alice.SendText(ctx, "bob", "hello", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", first.SenderID)
	assert.Equal(t, "bob", first.RecipientID)
	assert.Equal(t, "ref-1", first.ClientRef)

	time.Sleep(5 * time.Millisecond)
	_, err = alice.SendText(ctx, "bob", "are you there?", "ref-2")
	require.NoError(t, err)

	history, err := bob.History(ctx, "alice", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)

	convs, err := bob.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "alice", convs[0].Peer)
	assert.Equal(t, 2, convs[0].Unread)
	assert.Equal(t, "are you there?", convs[0].Last.Content)

	n, err := bob.MarkRead(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	convs, err = bob.Conversations(ctx)
	require.NoError(t, err)
	assert.Zero(t, convs[0].Unread)
}

func TestSocketRequiresToken(t *testing.T) {
	f := newRelay(t)

	res, err := http.Get(f.server.URL + "/ws")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newRelay(t)

	res, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_connections")
}
