package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/putto11262002/realtime/pkg/client"
	"github.com/putto11262002/realtime/pkg/notify"
	"github.com/putto11262002/realtime/pkg/wire"
	"github.com/spf13/cobra"
)

var (
	watchUser     string
	watchPassword string
	watchBaseURL  string
)

var (
	kindStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	messageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))

	sessionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)
)

// watchedKinds are printed by the watch command.
var watchedKinds = []wire.Kind{
	wire.SessionConnecting,
	wire.SessionConnected,
	wire.SessionDisconnected,
	wire.MessageNew,
	wire.MessageUpdated,
	wire.MessageDeleted,
	wire.MessageDelivered,
	wire.MessageRead,
	wire.TypingStart,
	wire.TypingStop,
	wire.UserOnline,
	wire.UserOffline,
	wire.PresenceStatus,
	wire.BroadcastNew,
}

// describe renders the interesting part of e's payload.
func describe(e wire.Event) string {
	switch e.Kind {
	case wire.MessageNew, wire.MessageUpdated:
		var m wire.Message
		if err := e.Decode(&m); err != nil {
			return err.Error()
		}
		return messageStyle.Render(fmt.Sprintf("%s -> %s: %s", m.Sender(), m.RecipientID, m.Preview()))
	case wire.MessageDeleted:
		var ref wire.MessageRef
		if err := e.Decode(&ref); err != nil {
			return err.Error()
		}
		return ref.ID
	case wire.MessageDelivered, wire.MessageRead:
		var r wire.Receipt
		if err := e.Decode(&r); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%s by %s", r.MessageID, r.UserID)
	case wire.TypingStart, wire.TypingStop:
		var ty wire.Typing
		if err := e.Decode(&ty); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%s in %s", ty.UserID, ty.RoomID)
	case wire.UserOnline, wire.UserOffline:
		var p wire.Presence
		if err := e.Decode(&p); err != nil {
			return err.Error()
		}
		return p.UserID
	case wire.PresenceStatus:
		var report wire.StatusReport
		if err := e.Decode(&report); err != nil {
			return err.Error()
		}
		users := make([]string, len(report.Users))
		for i, u := range report.Users {
			state := "offline"
			if u.Online {
				state = "online"
			}
			users[i] = u.UserID + "=" + state
		}
		return strings.Join(users, " ")
	case wire.BroadcastNew:
		var b wire.Broadcast
		if err := e.Decode(&b); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("[%s] %s: %s", b.Section, b.Title, b.Body)
	case wire.SessionConnecting, wire.SessionConnected, wire.SessionDisconnected:
		var l wire.Lifecycle
		if err := e.Decode(&l); err != nil {
			return err.Error()
		}
		s := fmt.Sprintf("retries=%d", l.Retries)
		if l.Error != "" {
			s += " error=" + l.Error
		}
		if l.Terminal {
			s += " terminal"
		}
		return sessionStyle.Render(s)
	}
	return string(e.Payload)
}

// formatCounts renders non-zero badge counts in section order.
func formatCounts(c notify.Counts) string {
	parts := make([]string, 0, len(notify.Sections))
	for _, s := range notify.Sections {
		if n := c[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

// printer serializes writes from event handlers and count callbacks.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) line(label, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", label, text)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sign in and print live events",
	Long: `Sign in to the relay as a user and print every event the client
receives, plus badge counts whenever they change. Configuration is read
from .env, the config file and REALTIME_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchUser == "" {
			return errors.New("--user is required")
		}
		if watchPassword == "" {
			watchPassword = os.Getenv("REALTIME_PASSWORD")
		}

		cfg, err := client.LoadConfig(configFile)
		if err != nil {
			return err
		}
		if watchBaseURL != "" {
			cfg.BaseURL = watchBaseURL
			cfg.Session.URL = ""
		}

		logger := newCLILogger(os.Stderr)
		c, err := client.New(cfg, client.WithLogger(logger))
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := &printer{w: cmd.OutOrStdout()}
		for _, kind := range watchedKinds {
			c.Listen(kind, func(_ context.Context, e wire.Event) error {
				out.line(kindStyle.Render(string(e.Kind)), describe(e))
				return nil
			})
		}
		c.Counts().OnChange(func(counts notify.Counts) {
			out.line(countStyle.Render("counts"), formatCounts(counts))
		})

		if err := c.SignIn(ctx, watchUser, watchPassword); err != nil {
			return err
		}

		<-ctx.Done()
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchUser, "user", "u", "", "username to sign in as")
	watchCmd.Flags().StringVarP(&watchPassword, "password", "p", "", "password (default $REALTIME_PASSWORD)")
	watchCmd.Flags().StringVar(&watchBaseURL, "base-url", "", "relay address, overrides the config")
	rootCmd.AddCommand(watchCmd)
}
