package wire

import (
	"fmt"
	"time"
)

// Status is the delivery status of a message. It only ever advances.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusSent
	StatusDelivered
	StatusRead
)

var statusNames = map[Status]string{
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Max returns the more advanced of s and o.
func (s Status) Max(o Status) Status {
	if o > s {
		return o
	}
	return s
}

func (s Status) MarshalText() ([]byte, error) {
	if s == StatusUnknown {
		return []byte{}, nil
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = StatusUnknown
		return nil
	}
	for k, n := range statusNames {
		if n == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("invalid message status %q", b)
}

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
)

// Attachment references content stored elsewhere; the socket never carries
// the bytes.
type Attachment struct {
	URL      string `json:"url" validate:"required,url"`
	Name     string `json:"name" validate:"required"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty" validate:"gte=0"`
}

type Message struct {
	ID          string      `json:"id" validate:"required"`
	RoomID      RoomID      `json:"room_id"`
	SenderID    string      `json:"sender_id" validate:"required"`
	SenderName  string      `json:"sender_name,omitempty"`
	RecipientID string      `json:"recipient_id,omitempty"`
	Content     string      `json:"content,omitempty" validate:"required_without=Attachment"`
	ContentType ContentType `json:"content_type" validate:"required,oneof=text image file"`
	Attachment  *Attachment `json:"attachment,omitempty" validate:"omitempty"`
	Status      Status      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	ClientRef   string      `json:"client_ref,omitempty"`
}

// Preview is a short human readable form used in notifications.
func (m Message) Preview() string {
	if m.ContentType == ContentText || m.Attachment == nil {
		return m.Content
	}
	return fmt.Sprintf("[%s] %s", m.ContentType, m.Attachment.Name)
}

func (m Message) Sender() string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.SenderID
}

// ValidateMessage applies the same rules used when decoding message events.
func ValidateMessage(m Message) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("validate message: %w", err)
	}
	return nil
}
