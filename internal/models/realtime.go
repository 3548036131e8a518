package models

import "encoding/json"

// Channel event names. Outgoing: EventSendMessage, EventTyping.
// Incoming: EventMessageSent, EventMessageRejected, EventStatusChange, EventTyping.
const (
	EventSendMessage     = "sendMessage"
	EventMessageSent     = "messageSent"
	EventMessageRejected = "messageRejected"
	EventStatusChange    = "statusChange"
	EventTyping          = "typing"
)

// Presence status values carried by statusChange events.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope is the frame exchanged on both channels.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SendMessagePayload is the outgoing sendMessage event body.
type SendMessagePayload struct {
	ChatID   int64  `json:"chat_id"`
	SenderID int64  `json:"sender_id"`
	Content  string `json:"content"`
	LocalID  string `json:"local_id"`
}

// MessageRejected is the incoming rejection for an optimistic send.
type MessageRejected struct {
	LocalID string `json:"local_id"`
	ChatID  int64  `json:"chat_id"`
	Reason  string `json:"reason"`
}

// StatusChange is the incoming presence transition for a user.
type StatusChange struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

// TypingEvent flows both ways on the presence channel.
type TypingEvent struct {
	UserID   int64 `json:"user_id"`
	ChatID   int64 `json:"chat_id"`
	IsTyping bool  `json:"is_typing"`
}

// HistoryPage is the response body of the paginated message history endpoint.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
}
