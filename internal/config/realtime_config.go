package config

import "time"

const (
	// Reconnection
	ReconnectBaseDelay   = 1 * time.Second
	ReconnectMaxDelay    = 30 * time.Second
	MaxReconnectAttempts = 5

	// Typing indicator debounce: typing-stop fires after this much
	// keyboard silence.
	TypingIdle = 1 * time.Second

	// History pagination
	HistoryPageSize = 50

	// WebSocket pump deadlines
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 4096

	// Outgoing queue depth per channel
	SendBuffer = 256
)
