package wire

import "time"

type MessageRef struct {
	ID     string `json:"id" validate:"required"`
	RoomID RoomID `json:"room_id"`
}

// Receipt acknowledges delivery or reading of a message by UserID.
type Receipt struct {
	MessageID string    `json:"message_id" validate:"required"`
	RoomID    RoomID    `json:"room_id"`
	UserID    string    `json:"user_id,omitempty"`
	At        time.Time `json:"at"`
}

type Typing struct {
	RoomID RoomID `json:"room_id" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
}

type Presence struct {
	UserID   string    `json:"user_id" validate:"required"`
	LastSeen time.Time `json:"last_seen"`
}

type Query struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,dive,required"`
}

type PresenceEntry struct {
	UserID   string    `json:"user_id" validate:"required"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

type StatusReport struct {
	Users []PresenceEntry `json:"users" validate:"dive"`
}

type Broadcast struct {
	ID        string    `json:"id" validate:"required"`
	Section   string    `json:"section,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Lifecycle is the payload of the local session:* events.
type Lifecycle struct {
	UserID   string `json:"user_id"`
	Retries  int    `json:"retries"`
	Error    string `json:"error,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
}
