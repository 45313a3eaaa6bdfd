// Package social holds the records Passerby shows: users, friend requests,
// conversations, messages and posts.
package social

import (
	"encoding/json"
	"fmt"

	"github.com/zoravur/passerby/internal/backend"
)

// Collection names.
const (
	Users          = "users"
	FriendRequests = "friend_requests"
	Conversations  = "conversations"
	Participants   = "conversation_participants"
	Messages       = "messages"
	Posts          = "posts"
)

// Friend request statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
)

type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type FriendRequest struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	RecipientID string    `json:"recipient_id"`
	Status      string    `json:"status"`
	CreatedAt   Timestamp `json:"created_at"`

	// Requester is joined client-side and may be nil.
	Requester *User `json:"-"`
}

type Conversation struct {
	ID            string    `json:"id"`
	CreatedAt     Timestamp `json:"created_at"`
	LastMessageAt Timestamp `json:"last_message_at"`
}

type Participant struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      Timestamp `json:"created_at"`
}

type Post struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt Timestamp `json:"created_at"`
}

// ConversationPreview is one inbox row.
type ConversationPreview struct {
	Conversation
	Other *User
	Last  *Message
	// Unread is set when the latest message was not sent by the viewer.
	Unread bool
}

// Decode converts a backend record into T through JSON.
func Decode[T any](rec backend.Record) (T, error) {
	var out T
	b, err := json.Marshal(rec)
	if err != nil {
		return out, fmt.Errorf("encode record: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

// DecodeAll decodes every record.
func DecodeAll[T any](recs []backend.Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := Decode[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Key methods identify items in live lists.
func (u User) Key() string          { return u.ID }
func (r FriendRequest) Key() string { return r.ID }
func (c Conversation) Key() string  { return c.ID }
func (m Message) Key() string       { return m.ID }
func (p Post) Key() string          { return p.ID }
