// Package wire defines the JSON frames exchanged over the realtime socket and
// the typed payloads carried inside them.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type Kind string

const (
	MessageNew       Kind = "message:new"
	MessageUpdated   Kind = "message:updated"
	MessageDeleted   Kind = "message:deleted"
	MessageDelivered Kind = "message:delivered"
	MessageRead      Kind = "message:read"
	TypingStart      Kind = "typing:start"
	TypingStop       Kind = "typing:stop"
	UserOnline       Kind = "user:online"
	UserOffline      Kind = "user:offline"
	BroadcastNew     Kind = "broadcast:new"
	PresenceQuery    Kind = "presence:query"
	PresenceStatus   Kind = "presence:status"

	// Lifecycle kinds are emitted locally by the session and never
	// travel over the socket.
	SessionConnecting   Kind = "session:connecting"
	SessionConnected    Kind = "session:connected"
	SessionDisconnected Kind = "session:disconnected"
)

var (
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrLifecycleKind  = errors.New("lifecycle event kinds are local only")
	ErrMissingPayload = errors.New("missing payload")
)

// payloadFor returns a fresh pointer to the payload type carried by kind.
func payloadFor(kind Kind) (any, bool) {
	switch kind {
	case MessageNew, MessageUpdated:
		return &Message{}, true
	case MessageDeleted:
		return &MessageRef{}, true
	case MessageDelivered, MessageRead:
		return &Receipt{}, true
	case TypingStart, TypingStop:
		return &Typing{}, true
	case UserOnline, UserOffline:
		return &Presence{}, true
	case BroadcastNew:
		return &Broadcast{}, true
	case PresenceQuery:
		return &Query{}, true
	case PresenceStatus:
		return &StatusReport{}, true
	case SessionConnecting, SessionConnected, SessionDisconnected:
		return &Lifecycle{}, true
	}
	return nil, false
}

func (k Kind) Known() bool {
	_, ok := payloadFor(k)
	return ok
}

func (k Kind) Lifecycle() bool {
	return k == SessionConnecting || k == SessionConnected || k == SessionDisconnected
}

// Event is an immutable frame. Payload holds the raw JSON of one of the
// payload types in this package.
type Event struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Kind: %s, Payload.Size: %d}", e.Kind, len(e.Payload))
}

// New builds an event after validating payload against the rules of kind.
func New(kind Kind, payload any) (Event, error) {
	if !kind.Known() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := validate.Struct(payload); err != nil {
		return Event{}, fmt.Errorf("validate %s payload: %w", kind, err)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{Kind: kind, Payload: b}, nil
}

// MustNew is New for payloads built by the caller that are known to be valid.
func MustNew(kind Kind, payload any) Event {
	e, err := New(kind, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// Decode unmarshals the payload into v and validates it.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: %w", e.Kind, ErrMissingPayload)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validate %s payload: %w", e.Kind, err)
	}
	return nil
}

// Validate checks that e is a well formed remote event: a known kind that is
// not a lifecycle kind, with a payload that decodes and validates.
func (e Event) Validate() error {
	if e.Kind.Lifecycle() {
		return fmt.Errorf("%w: %s", ErrLifecycleKind, e.Kind)
	}
	v, ok := payloadFor(e.Kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return e.Decode(v)
}

func Encode(w io.Writer, e Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

// Decode reads one event from r and rejects it unless it validates.
func Decode(r io.Reader) (Event, error) {
	var e Event
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
