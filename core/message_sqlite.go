package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/realtime/pkg/wire"
)

const messageColumns = `id, sender, recipient, content, content_type,
	attachment_url, attachment_name, attachment_mime, attachment_size,
	status, client_ref, created_at`

type SQLiteMessageStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteMessageStore(db *sql.DB) *SQLiteMessageStore {
	return &SQLiteMessageStore{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (wire.Message, error) {
	var (
		m               wire.Message
		url, name, mime string
		size            int64
		status          int
	)
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.ContentType,
		&url, &name, &mime, &size, &status, &m.ClientRef, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.Status = wire.Status(status)
	if url != "" {
		m.Attachment = &wire.Attachment{URL: url, Name: name, MimeType: mime, Size: size}
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]wire.Message, error) {
	msgs := []wire.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteMessageStore) CreateMessage(ctx context.Context, m *wire.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.Status = m.Status.Max(wire.StatusSent)
	if m.ContentType == "" {
		m.ContentType = wire.ContentText
	}

	var att wire.Attachment
	if m.Attachment != nil {
		att = *m.Attachment
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`)
		VALUES (@id, @sender, @recipient, @content, @content_type,
			@attachment_url, @attachment_name, @attachment_mime, @attachment_size,
			@status, @client_ref, @created_at)`,
		sql.Named("id", m.ID),
		sql.Named("sender", m.SenderID),
		sql.Named("recipient", m.RecipientID),
		sql.Named("content", m.Content),
		sql.Named("content_type", string(m.ContentType)),
		sql.Named("attachment_url", att.URL),
		sql.Named("attachment_name", att.Name),
		sql.Named("attachment_mime", att.MimeType),
		sql.Named("attachment_size", att.Size),
		sql.Named("status", int(m.Status)),
		sql.Named("client_ref", m.ClientRef),
		sql.Named("created_at", m.CreatedAt))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteMessageStore) GetMessage(ctx context.Context, id string) (*wire.Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return &m, nil
}

func (s *SQLiteMessageStore) History(ctx context.Context, user, peer string, opts *HistoryOptions) ([]wire.Message, error) {
	if opts == nil {
		opts = &HistoryOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args := []any{
		sql.Named("user", user),
		sql.Named("peer", peer),
		sql.Named("limit", limit),
	}
	cond := ""
	if !opts.Before.IsZero() {
		cond = " AND created_at < @before"
		args = append(args, sql.Named("before", opts.Before.UTC()))
	}

	// newest page first, flipped to chronological order below
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE ((sender = @user AND recipient = @peer) OR (sender = @peer AND recipient = @user))`+cond+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT @limit`, args...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *SQLiteMessageStore) Conversations(ctx context.Context, user string) ([]Conversation, error) {
	peers, err := s.Peers(ctx, user)
	if err != nil {
		return nil, err
	}

	convs := make([]Conversation, 0, len(peers))
	for _, peer := range peers {
		last, err := s.History(ctx, user, peer, &HistoryOptions{Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(last) == 0 {
			continue
		}
		var unread int
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM messages WHERE sender = @peer AND recipient = @user AND status < @read",
			sql.Named("peer", peer), sql.Named("user", user), sql.Named("read", int(wire.StatusRead))).Scan(&unread)
		if err != nil {
			return nil, fmt.Errorf("counting unread: %w", err)
		}
		convs = append(convs, Conversation{Peer: peer, Last: last[0], Unread: unread})
	}

	// most recent activity first
	slices.SortStableFunc(convs, func(a, b Conversation) int {
		return b.Last.CreatedAt.Compare(a.Last.CreatedAt)
	})
	return convs, nil
}

func (s *SQLiteMessageStore) AdvanceStatus(ctx context.Context, id string, status wire.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET status = @status WHERE id = @id AND status < @status",
		sql.Named("status", int(status)), sql.Named("id", id))
	if err != nil {
		return false, fmt.Errorf("ExecContext: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// advance raises every message matching the sender/recipient filter to
// status inside one transaction and returns the rows it changed.
func (s *SQLiteMessageStore) advance(ctx context.Context, where string, status wire.Status, args ...any) ([]wire.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	args = append(args, sql.Named("status", int(status)))
	rows, err := tx.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE "+where+" AND status < @status ORDER BY created_at",
		args...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	changed, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE messages SET status = @status WHERE "+where+" AND status < @status", args...); err != nil {
		return nil, fmt.Errorf("ExecContext: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	for i := range changed {
		changed[i].Status = status
	}
	return changed, nil
}

func (s *SQLiteMessageStore) MarkRead(ctx context.Context, reader, peer string) ([]wire.Message, error) {
	return s.advance(ctx, "sender = @peer AND recipient = @reader", wire.StatusRead,
		sql.Named("peer", peer), sql.Named("reader", reader))
}

func (s *SQLiteMessageStore) MarkDelivered(ctx context.Context, recipient string) ([]wire.Message, error) {
	return s.advance(ctx, "recipient = @recipient", wire.StatusDelivered,
		sql.Named("recipient", recipient))
}

func (s *SQLiteMessageStore) Peers(ctx context.Context, user string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT recipient FROM messages WHERE sender = @user
		UNION SELECT sender FROM messages WHERE recipient = @user`,
		sql.Named("user", user))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	peers := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		if p != user {
			peers = append(peers, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return peers, nil
}
