package core

import (
	"context"
	"errors"
	"time"

	"github.com/putto11262002/realtime/pkg/wire"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotParticipant  = errors.New("not a participant of the conversation")
)

// Conversation summarises a direct conversation from one user's side.
type Conversation struct {
	Peer   string       `json:"peer"`
	Last   wire.Message `json:"last"`
	Unread int          `json:"unread"`
}

type HistoryOptions struct {
	// Before excludes messages created at or after it when set.
	Before time.Time
	Limit  int
}

type MessageStore interface {
	// CreateMessage persists m. The id, creation time and status are
	// assigned when empty.
	CreateMessage(ctx context.Context, m *wire.Message) error

	GetMessage(ctx context.Context, id string) (*wire.Message, error)

	// History returns the messages between user and peer in chronological
	// order.
	History(ctx context.Context, user, peer string, opts *HistoryOptions) ([]wire.Message, error)

	Conversations(ctx context.Context, user string) ([]Conversation, error)

	// AdvanceStatus raises the status of message id to status and reports
	// whether it changed. Statuses never go backwards.
	AdvanceStatus(ctx context.Context, id string, status wire.Status) (bool, error)

	// MarkRead marks every message from peer to reader as read and returns
	// the messages that changed.
	MarkRead(ctx context.Context, reader, peer string) ([]wire.Message, error)

	// MarkDelivered marks every sent message to recipient as delivered and
	// returns the messages that changed.
	MarkDelivered(ctx context.Context, recipient string) ([]wire.Message, error)

	// Peers lists every user that exchanged a message with user.
	Peers(ctx context.Context, user string) ([]string, error)
}
