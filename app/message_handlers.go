package app

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/realtime/core"
	"github.com/putto11262002/realtime/pkg/router"
	"github.com/putto11262002/realtime/pkg/wire"
)

var errSelfConversation = errors.New("cannot message yourself")

type MessageHandler struct {
	users    core.UserStore
	messages core.MessageStore
	events   *core.EventRouter
}

func NewMessageHandler(users core.UserStore, messages core.MessageStore, events *core.EventRouter) *MessageHandler {
	return &MessageHandler{users: users, messages: messages, events: events}
}

type SendTextPayload struct {
	Content   string `json:"content" validate:"required,max=4096"`
	ClientRef string `json:"client_ref" validate:"omitempty,max=64"`
}

type SendAttachmentPayload struct {
	ContentType wire.ContentType `json:"content_type" validate:"required,oneof=image file"`
	Attachment  wire.Attachment  `json:"attachment"`
	Caption     string           `json:"caption" validate:"max=4096"`
	ClientRef   string           `json:"client_ref" validate:"omitempty,max=64"`
}

type MarkReadResponse struct {
	Read int `json:"read"`
}

func bind(r *http.Request, v any) error {
	if err := router.Bind(r, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return router.NewJsonError(http.StatusBadRequest,
			strings.ReplaceAll(FormatValidationErrors(err), "\n", "; "))
	}
	return nil
}

// peer resolves the {peer} path parameter against the session user.
func (h *MessageHandler) peer(r *http.Request) (self, peer string, err error) {
	self = core.SessionFromRequest(r).Username
	peer = chi.URLParam(r, "peer")
	if peer == self {
		return "", "", errSelfConversation
	}
	user, err := h.users.GetUserByUsername(r.Context(), peer)
	if err != nil {
		return "", "", err
	}
	if user == nil {
		return "", "", fmt.Errorf("%w: %s", core.ErrUserNotFound, peer)
	}
	return self, peer, nil
}

func (h *MessageHandler) ConversationsHandler(w http.ResponseWriter, r *http.Request) error {
	convs, err := h.messages.Conversations(r.Context(), core.SessionFromRequest(r).Username)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, convs)
}

// HistoryHandler accepts optional before (RFC 3339) and limit query
// parameters.
func (h *MessageHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) error {
	self, peer, err := h.peer(r)
	if err != nil {
		return err
	}

	opts := &core.HistoryOptions{}
	q := r.URL.Query()
	if s := q.Get("before"); s != "" {
		if opts.Before, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return router.NewJsonError(http.StatusBadRequest, "before must be an RFC 3339 timestamp")
		}
	}
	if s := q.Get("limit"); s != "" {
		if opts.Limit, err = strconv.Atoi(s); err != nil || opts.Limit < 0 {
			return router.NewJsonError(http.StatusBadRequest, "limit must be a positive integer")
		}
	}

	msgs, err := h.messages.History(r.Context(), self, peer, opts)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, msgs)
}

// MarkReadHandler marks every message from the peer as read and forwards
// a receipt per changed message to the peer.
func (h *MessageHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) error {
	self, peer, err := h.peer(r)
	if err != nil {
		return err
	}
	changed, err := h.messages.MarkRead(r.Context(), self, peer)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, m := range changed {
		h.events.EmitTo(wire.MessageRead, wire.Receipt{
			MessageID: m.ID,
			RoomID:    wire.Direct(self),
			UserID:    self,
			At:        now,
		}, peer)
	}
	return router.JSON(w, http.StatusOK, MarkReadResponse{Read: len(changed)})
}

// SendTextHandler persists a text message. Delivery to sockets happens
// when the sender echoes it as message:new.
func (h *MessageHandler) SendTextHandler(w http.ResponseWriter, r *http.Request) error {
	self, peer, err := h.peer(r)
	if err != nil {
		return err
	}
	var payload SendTextPayload
	if err := bind(r, &payload); err != nil {
		return err
	}

	m := wire.Message{
		SenderID:    self,
		RecipientID: peer,
		Content:     payload.Content,
		ContentType: wire.ContentText,
		ClientRef:   payload.ClientRef,
	}
	return h.create(w, r, &m)
}

func (h *MessageHandler) SendAttachmentHandler(w http.ResponseWriter, r *http.Request) error {
	self, peer, err := h.peer(r)
	if err != nil {
		return err
	}
	var payload SendAttachmentPayload
	if err := bind(r, &payload); err != nil {
		return err
	}

	att := payload.Attachment
	m := wire.Message{
		SenderID:    self,
		RecipientID: peer,
		Content:     payload.Caption,
		ContentType: payload.ContentType,
		Attachment:  &att,
		ClientRef:   payload.ClientRef,
	}
	return h.create(w, r, &m)
}

func (h *MessageHandler) create(w http.ResponseWriter, r *http.Request, m *wire.Message) error {
	if err := h.messages.CreateMessage(r.Context(), m); err != nil {
		return err
	}
	return router.JSON(w, http.StatusCreated, m)
}
