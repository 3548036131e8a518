package models

import "time"

// Message is a single chat message. Once the server has acknowledged it,
// ID is the authoritative identifier and the message never changes again.
//
// Before acknowledgment an optimistic message carries a negative ID and a
// client-generated LocalID used to correlate the server's answer.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// LocalID is the correlation token for optimistic sends. The server
	// echoes it back on messageSent/messageRejected.
	LocalID string `json:"local_id,omitempty"`

	// Pending is true while the message awaits server acknowledgment.
	// Never serialized; it only exists on the client.
	Pending bool `json:"-"`
}
