package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relayhub-ai/relayhub/internal/store"
)

// MessageView is the client-facing shape of a stored message.
type MessageView struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	LocalID   string          `json:"local_id,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// MessagePayload is the payload of a message-received event.
type MessagePayload struct {
	SessionID string       `json:"session_id"`
	Message   *MessageView `json:"message"`
	Usage     *Usage       `json:"usage,omitempty"`
}

// Page is one pagination window of a session's log, oldest to newest.
type Page struct {
	Messages      []MessageView `json:"messages"`
	Limit         int           `json:"limit"`
	BeforeSeq     int64         `json:"beforeSeq,omitempty"`
	NextBeforeSeq int64         `json:"nextBeforeSeq,omitempty"`
	HasMore       bool          `json:"hasMore"`
}

// MessageLog is the append and pagination surface over a session's message
// stream. Appends emit exactly one message-received per newly stored row.
type MessageLog struct {
	store store.Store
	pub   *Publisher
}

func NewMessageLog(st store.Store, pub *Publisher) *MessageLog {
	return &MessageLog{store: st, pub: pub}
}

func messageView(m *store.Message) *MessageView {
	return &MessageView{
		ID:        m.ID,
		SessionID: m.SessionID,
		Seq:       m.Seq,
		LocalID:   m.LocalID,
		Content:   rawOrNull(m.Content),
		CreatedAt: m.CreatedAt,
	}
}

// Append stores a message and, when it is newly inserted, emits a
// message-received event carrying the stored row and any extracted usage.
// A duplicate localId returns the pre-existing row and emits nothing.
func (l *MessageLog) Append(ctx context.Context, namespace, sessionID, content, localID string) (*MessageView, bool, error) {
	msg, inserted, err := l.store.AddMessage(ctx, namespace, sessionID, content, localID)
	if err != nil {
		return nil, false, fmt.Errorf("append message: %w", err)
	}
	v := messageView(msg)
	if inserted {
		l.pub.Emit(Event{
			Kind:      KindMessageReceived,
			Namespace: namespace,
			SessionID: sessionID,
			Payload: &MessagePayload{
				SessionID: sessionID,
				Message:   v,
				Usage:     ExtractUsage([]byte(msg.Content)),
			},
		})
	}
	return v, inserted, nil
}

// Page returns up to limit messages with seq below beforeSeq (the tail when
// beforeSeq is zero). NextBeforeSeq is the cursor for the preceding window;
// HasMore reports whether that window is non-empty.
func (l *MessageLog) Page(ctx context.Context, namespace, sessionID string, limit int, beforeSeq int64) (*Page, error) {
	p := &Page{Messages: []MessageView{}, Limit: limit, BeforeSeq: beforeSeq}
	if limit <= 0 {
		return p, nil
	}
	rows, err := l.store.GetMessages(ctx, namespace, sessionID, limit, beforeSeq)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		p.Messages = append(p.Messages, *messageView(&rows[i]))
	}
	if len(rows) > 0 {
		oldest := rows[0].Seq
		p.NextBeforeSeq = oldest
		p.HasMore = oldest > 1
	}
	return p, nil
}

// Tail returns messages after the given seq, oldest to newest.
func (l *MessageLog) Tail(ctx context.Context, namespace, sessionID string, afterSeq int64, limit int) ([]MessageView, error) {
	rows, err := l.store.GetMessagesAfter(ctx, namespace, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, 0, len(rows))
	for i := range rows {
		views = append(views, *messageView(&rows[i]))
	}
	return views, nil
}
