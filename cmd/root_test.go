package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/putto11262002/realtime/pkg/notify"
	"github.com/putto11262002/realtime/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	t.Cleanup(func() { configFile = "" })
	err := rootCmd.Execute()
	return stdout.String(), err
}

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "version flag", args: []string{"--version"}},
		{name: "help flag", args: []string{"--help"}},
		{name: "unknown command", args: []string{"nonexistent-command"}, wantErr: true},
		{name: "watch without user", args: []string{"watch"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRelayConfigCommand(t *testing.T) {
	file := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(file, []byte("port: 9090\nauth:\n  token_ttl: 90m\n"), 0600))

	out, err := execute(t, "relay", "config", "--config", file)
	require.NoError(t, err)
	assert.Contains(t, out, "port: 9090")
	assert.Contains(t, out, "token_ttl: 1h30m0s")
	assert.Contains(t, out, "<32 bytes>")
	assert.Contains(t, out, "write_queue: 100")
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name  string
		event wire.Event
		want  string
	}{
		{
			name: "message",
			event: wire.MustNew(wire.MessageNew, wire.Message{
				ID: "m1", SenderID: "alice", SenderName: "Alice", RecipientID: "bob",
				Content: "hi", ContentType: wire.ContentText, CreatedAt: time.Now(),
			}),
			want: "Alice -> bob: hi",
		},
		{
			name:  "receipt",
			event: wire.MustNew(wire.MessageRead, wire.Receipt{MessageID: "m1", UserID: "bob"}),
			want:  "m1 by bob",
		},
		{
			name: "presence status",
			event: wire.MustNew(wire.PresenceStatus, wire.StatusReport{Users: []wire.PresenceEntry{
				{UserID: "alice", Online: true},
				{UserID: "carol"},
			}}),
			want: "alice=online carol=offline",
		},
		{
			name:  "broadcast",
			event: wire.MustNew(wire.BroadcastNew, wire.Broadcast{ID: "b1", Section: "friends", Title: "Hey", Body: "there"}),
			want:  "[friends] Hey: there",
		},
		{
			name:  "lifecycle",
			event: wire.MustNew(wire.SessionDisconnected, wire.Lifecycle{UserID: "bob", Retries: 2, Error: "eof"}),
			want:  "retries=2 error=eof",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, describe(tt.event), tt.want)
		})
	}
}

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "none", formatCounts(notify.Counts{}))
	assert.Equal(t, "messages=2 approvals=1", formatCounts(notify.Counts{
		notify.Approvals: 1,
		notify.Messages:  2,
		notify.Friends:   0,
	}))
}
