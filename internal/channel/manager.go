package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"achat/client/internal/config"
	"achat/client/internal/models"
)

var (
	// ErrAuthRejected means the server refused the credential during the
	// channel handshake. Terminal: the caller must disconnect and obtain a
	// fresh token.
	ErrAuthRejected = errors.New("channel: authentication rejected")

	// ErrNotConnected means an emit was attempted while the channel is down.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrRetriesExhausted is carried by the final Status after the
	// reconnect attempt cap is hit.
	ErrRetriesExhausted = errors.New("channel: reconnect attempts exhausted")
)

// EventHandler receives the raw data of a single incoming event.
type EventHandler func(data json.RawMessage)

// Config for a Manager. Zero-valued fields fall back to the defaults in
// internal/config.
type Config struct {
	MessageURL  string
	PresenceURL string

	Dialer      Dialer
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Manager owns the two channel connections and hides reconnection from
// every other component. Exactly one connection may exist per Kind.
// Consumers observe it only through OnEvent/OnStatus subscriptions and
// Emit; they never touch connection internals.
type Manager struct {
	mu sync.RWMutex

	dialer      Dialer
	urls        map[Kind]string
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	token    string
	states   map[Kind]State
	conns    map[Kind]*link
	retrying map[Kind]bool
	quit     chan struct{}

	handlers   map[Kind]map[string]map[int64]EventHandler
	statusSubs map[int64]func(Status)
	nextSub    int64
}

// NewManager builds a disconnected Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = config.ReconnectBaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = config.ReconnectMaxDelay
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = config.MaxReconnectAttempts
	}

	return &Manager{
		dialer: cfg.Dialer,
		urls: map[Kind]string{
			KindMessage:  cfg.MessageURL,
			KindPresence: cfg.PresenceURL,
		},
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		states: map[Kind]State{
			KindMessage:  StateDisconnected,
			KindPresence: StateDisconnected,
		},
		conns:      make(map[Kind]*link),
		retrying:   make(map[Kind]bool),
		handlers:   make(map[Kind]map[string]map[int64]EventHandler),
		statusSubs: make(map[int64]func(Status)),
	}
}

// Connect opens both channels with the given credential. Idempotent per
// channel: a kind that is already connected or connecting is left alone.
//
// An auth rejection tears everything down and is returned. A plain
// connectivity failure is not returned; it hands the channel to the
// reconnect loop and surfaces through status events, like any later drop.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.quit == nil {
		m.quit = make(chan struct{})
	}
	m.token = token
	m.mu.Unlock()

	for _, kind := range []Kind{KindMessage, KindPresence} {
		if err := m.dial(ctx, kind); err != nil {
			if errors.Is(err, ErrAuthRejected) {
				m.emitStatus(Status{Kind: kind, State: StateDisconnected, Err: err})
				m.Disconnect()
				return err
			}
			log.Printf("channel: initial %s dial failed: %v", kind, err)
			m.scheduleReconnect(kind)
		}
	}
	return nil
}

// Disconnect tears down both channels and stops any reconnect loop. Must be
// called before connecting with a different token. The caller is expected
// to also reset connection-scoped read models (presence, typing), which are
// only valid for a live connection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	m.token = ""
	dropped := make([]*link, 0, len(m.conns))
	for kind, l := range m.conns {
		dropped = append(dropped, l)
		delete(m.conns, kind)
	}
	for kind := range m.states {
		m.states[kind] = StateDisconnected
	}
	m.mu.Unlock()

	for _, l := range dropped {
		close(l.done)
		l.conn.Close()
		m.emitStatus(Status{Kind: l.kind, State: StateDisconnected})
	}
}

// State reports the current state of one channel.
func (m *Manager) State(kind Kind) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[kind]
}

// Emit queues an outgoing event on the given channel.
func (m *Manager) Emit(kind Kind, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: encoding %q: %w", event, err)
	}

	m.mu.RLock()
	l := m.conns[kind]
	m.mu.RUnlock()
	if l == nil {
		return ErrNotConnected
	}

	// Checked separately: with room in the send buffer, a combined select
	// could queue onto a link whose pumps already stopped.
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}

	select {
	case l.send <- models.Envelope{Event: event, Data: data}:
		return nil
	case <-l.done:
		return ErrNotConnected
	default:
		return fmt.Errorf("channel: %s send queue full", kind)
	}
}

// OnEvent registers a handler for one incoming event on one channel and
// returns a disposer that removes exactly this registration.
func (m *Manager) OnEvent(kind Kind, event string, fn EventHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handlers[kind] == nil {
		m.handlers[kind] = make(map[string]map[int64]EventHandler)
	}
	if m.handlers[kind][event] == nil {
		m.handlers[kind][event] = make(map[int64]EventHandler)
	}
	id := m.nextSub
	m.nextSub++
	m.handlers[kind][event][id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[kind][event], id)
	}
}

// OnStatus registers a connection-status observer and returns its disposer.
func (m *Manager) OnStatus(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.statusSubs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.statusSubs, id)
	}
}

// dial opens one channel and starts its pumps. No-op when that channel is
// already connected or connecting.
func (m *Manager) dial(ctx context.Context, kind Kind) error {
	m.mu.Lock()
	if m.states[kind] != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.states[kind] = StateConnecting
	url := m.urls[kind]
	token := m.token
	m.mu.Unlock()

	m.emitStatus(Status{Kind: kind, State: StateConnecting})

	conn, err := m.dialer.Dial(ctx, url, token)
	if err != nil {
		m.mu.Lock()
		m.states[kind] = StateDisconnected
		m.mu.Unlock()
		return err
	}

	l := &link{
		kind: kind,
		conn: conn,
		send: make(chan models.Envelope, config.SendBuffer),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.quit == nil {
		// Disconnected while the dial was in flight.
		m.states[kind] = StateDisconnected
		m.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	m.conns[kind] = l
	m.states[kind] = StateConnected
	m.mu.Unlock()

	log.Printf("channel: %s connected", kind)
	m.emitStatus(Status{Kind: kind, State: StateConnected})

	go m.writePump(l)
	go m.readPump(l)
	return nil
}

// handleDrop runs when a link's read pump exits. A link that is no longer
// registered was torn down deliberately (or superseded) and is ignored;
// anything else is an unexpected drop and goes to the reconnect loop.
func (m *Manager) handleDrop(l *link) {
	m.mu.Lock()
	if m.conns[l.kind] != l {
		m.mu.Unlock()
		return
	}
	delete(m.conns, l.kind)
	m.states[l.kind] = StateDisconnected
	m.mu.Unlock()

	close(l.done)
	log.Printf("channel: %s disconnected unexpectedly", l.kind)
	m.emitStatus(Status{Kind: l.kind, State: StateDisconnected})
	m.scheduleReconnect(l.kind)
}

func (m *Manager) scheduleReconnect(kind Kind) {
	m.mu.Lock()
	if m.quit == nil || m.retrying[kind] {
		m.mu.Unlock()
		return
	}
	m.retrying[kind] = true
	quit := m.quit
	m.mu.Unlock()

	go m.reconnectLoop(kind, quit)
}

// reconnectLoop retries with bounded linear backoff: min(base*attempt, max).
// It stops on success, on deliberate disconnect, on auth rejection, or after
// maxAttempts, in which case it emits exactly one terminal status.
func (m *Manager) reconnectLoop(kind Kind, quit chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.retrying[kind] = false
		m.mu.Unlock()
	}()

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		delay := time.Duration(attempt) * m.baseDelay
		if delay > m.maxDelay {
			delay = m.maxDelay
		}

		select {
		case <-quit:
			return
		case <-time.After(delay):
		}
		select {
		case <-quit:
			// Deliberate disconnect while the backoff timer was running.
			return
		default:
		}

		log.Printf("channel: reconnecting %s (attempt %d/%d)", kind, attempt, m.maxAttempts)
		err := m.dial(context.Background(), kind)
		if err == nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			m.emitStatus(Status{Kind: kind, State: StateDisconnected, Err: err})
			return
		}
		log.Printf("channel: %s reconnect failed: %v", kind, err)
	}

	log.Printf("channel: giving up on %s after %d attempts", kind, m.maxAttempts)
	m.emitStatus(Status{Kind: kind, State: StateDisconnected, Err: ErrRetriesExhausted})
}

func (m *Manager) dispatch(kind Kind, env models.Envelope) {
	m.mu.RLock()
	var fns []EventHandler
	for _, fn := range m.handlers[kind][env.Event] {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(env.Data)
	}
}

func (m *Manager) emitStatus(s Status) {
	m.mu.RLock()
	var fns []func(Status)
	for _, fn := range m.statusSubs {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}
