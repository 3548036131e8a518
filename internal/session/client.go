package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"achat/client/internal/auth"
	"achat/client/internal/channel"
	"achat/client/internal/config"
	"achat/client/internal/history"
	"achat/client/internal/models"
	"achat/client/internal/outbox"
	"achat/client/internal/presence"
)

// Config for a Client. MessageWSURL and PresenceWSURL are the full channel
// endpoints (e.g. ws://host:4800/chats and ws://host:4801/status); APIURL
// is the base of the HTTP message API.
type Config struct {
	MessageWSURL  string
	PresenceWSURL string
	APIURL        string

	Dialer     channel.Dialer   // optional, for tests
	Fetcher    history.Fetcher  // optional, for tests
	PageSize   int
	TypingIdle time.Duration
}

// Client is the composition root of the real-time subsystem, owned by
// whatever owns the login lifecycle. It builds and wires the connection
// manager, presence tracker, history cache and send pipeline, and hands
// out per-chat Sessions. There is exactly one Client per authenticated
// process: it is constructed explicitly and injected, never a global.
type Client struct {
	manager *channel.Manager
	tracker *presence.Tracker
	cache   *history.Cache

	typingIdle time.Duration

	mu        sync.Mutex
	connected bool
	token     string
	userID    int64
	pipeline  *outbox.Pipeline
	disposers []func()
}

func NewClient(cfg Config) *Client {
	if cfg.PageSize == 0 {
		cfg.PageSize = config.HistoryPageSize
	}
	if cfg.TypingIdle == 0 {
		cfg.TypingIdle = config.TypingIdle
	}

	c := &Client{
		manager: channel.NewManager(channel.Config{
			MessageURL:  cfg.MessageWSURL,
			PresenceURL: cfg.PresenceWSURL,
			Dialer:      cfg.Dialer,
		}),
		tracker:    presence.NewTracker(),
		typingIdle: cfg.TypingIdle,
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = &history.HTTPFetcher{
			BaseURL: cfg.APIURL,
			Token:   c.currentToken,
		}
	}
	c.cache = history.NewCache(fetcher, cfg.PageSize)
	return c
}

// Connect authenticates both channels with the token and wires every
// incoming event to its consumer. The token's user_id claim becomes the
// local sender identity. Connecting again with a different credential
// requires Disconnect first.
func (c *Client) Connect(ctx context.Context, token string) error {
	userID, err := auth.UserIDFromToken(token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("session: already connected, disconnect first")
	}
	c.connected = true
	c.token = token
	c.userID = userID
	c.pipeline = outbox.NewPipeline(transport{c}, userID)
	pipeline := c.pipeline

	c.disposers = []func(){
		c.manager.OnEvent(channel.KindPresence, models.EventStatusChange, c.tracker.HandleStatusChange),
		c.manager.OnEvent(channel.KindPresence, models.EventTyping, c.tracker.HandleTyping),
		c.manager.OnEvent(channel.KindMessage, models.EventMessageSent, pipeline.HandleMessageSent),
		c.manager.OnEvent(channel.KindMessage, models.EventMessageRejected, pipeline.HandleMessageRejected),
		// With the message channel gone no ack can arrive; strand nothing.
		c.manager.OnStatus(func(s channel.Status) {
			if s.Kind == channel.KindMessage && s.State == channel.StateDisconnected {
				pipeline.FailAllPending(channel.ErrNotConnected)
			}
		}),
	}
	c.mu.Unlock()

	if err := c.manager.Connect(ctx, token); err != nil {
		c.Disconnect()
		return fmt.Errorf("session: connecting channels: %w", err)
	}
	return nil
}

// Disconnect tears down both channels and clears connection-scoped state.
// Presence and typing data are dropped: they are only valid while a
// connection is live.
func (c *Client) Disconnect() {
	c.mu.Lock()
	disposers := c.disposers
	c.disposers = nil
	c.connected = false
	c.token = ""
	c.userID = 0
	c.pipeline = nil
	c.mu.Unlock()

	c.manager.Disconnect()
	for _, dispose := range disposers {
		dispose()
	}
	c.tracker.Reset()
}

// OpenChat constructs the session for one chat view and runs its initial
// history load. The caller owns the session and must Close it when the
// view goes away.
func (c *Client) OpenChat(ctx context.Context, chatID int64) (*Session, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, errors.New("session: not connected")
	}
	pipeline := c.pipeline
	userID := c.userID
	c.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		chatID:     chatID,
		userID:     userID,
		state:      StateUninitialized,
		cache:      c.cache,
		pipeline:   pipeline,
		tracker:    c.tracker,
		emitter:    presence.NewEmitter(transport{c}, chatID, userID, c.typingIdle),
		ctx:        sctx,
		cancel:     cancel,
		updateSubs: make(map[int64]func()),
		failSubs:   make(map[int64]func(string, error)),
	}
	s.disposers = []func(){
		pipeline.Watch(chatID, watcher{s}),
		c.tracker.OnTypingChange(func(_, typingChatID int64, _ bool) {
			if typingChatID == chatID {
				s.notifyUpdate()
			}
		}),
	}

	s.mu.Lock()
	s.state = StateLoadingInitial
	s.mu.Unlock()

	msgs, err := c.cache.LoadInitial(sctx, chatID)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("session: loading chat %d: %w", chatID, err)
	}

	s.mu.Lock()
	if s.state != StateDisposed {
		s.installHistoryLocked(msgs)
		s.state = StateReady
	}
	s.mu.Unlock()
	return s, nil
}

// IsOnline reports another user's presence.
func (c *Client) IsOnline(userID int64) bool {
	return c.tracker.IsOnline(userID)
}

// OnStatusChange exposes presence transitions (observer, disposer-based).
func (c *Client) OnStatusChange(fn func(userID int64, status string)) func() {
	return c.tracker.OnStatusChange(fn)
}

// OnConnectionStatus exposes channel state transitions for the UI's
// connectivity indicator.
func (c *Client) OnConnectionStatus(fn func(channel.Status)) func() {
	return c.manager.OnStatus(fn)
}

// UserID returns the identity of the connected user, 0 when disconnected.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// transport adapts the connection manager to the narrow interfaces the
// pipeline and the typing emitter write through.
type transport struct{ c *Client }

func (t transport) SendMessage(p models.SendMessagePayload) error {
	return t.c.manager.Emit(channel.KindMessage, models.EventSendMessage, p)
}

func (t transport) SendTyping(chatID, userID int64, isTyping bool) error {
	return t.c.manager.Emit(channel.KindPresence, models.EventTyping, models.TypingEvent{
		UserID:   userID,
		ChatID:   chatID,
		IsTyping: isTyping,
	})
}
