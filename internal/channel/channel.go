package channel

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"achat/client/internal/config"
	"achat/client/internal/models"

	"github.com/gorilla/websocket"
)

// Kind identifies one of the two long-lived channel connections.
type Kind string

const (
	KindMessage  Kind = "message"
	KindPresence Kind = "presence"
)

// State of a single channel connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is emitted to status subscribers on every state transition.
// Err is non-nil only for terminal failures (auth rejection, retries
// exhausted).
type Status struct {
	Kind  Kind
	State State
	Err   error
}

// Conn is the subset of *websocket.Conn the manager drives. It exists so
// tests can substitute an in-memory connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens an authenticated channel connection.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket, passing the credential as a
// bearer token. An HTTP 401/403 handshake answer means the credential was
// rejected and is reported as ErrAuthRejected so callers never retry it.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuthRejected
		}
		return nil, err
	}
	return conn, nil
}

// link is one live connection plus its outgoing queue. A link exists only
// while its connection is up; reconnection builds a fresh one.
type link struct {
	kind Kind
	conn Conn
	send chan models.Envelope
	done chan struct{}
}

// readPump delivers incoming envelopes to registered handlers until the
// connection drops.
func (m *Manager) readPump(l *link) {
	defer func() {
		l.conn.Close()
		m.handleDrop(l)
	}()

	l.conn.SetReadLimit(config.MaxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(config.PongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("channel: %s read error: %v", l.kind, err)
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("channel: dropping malformed %s frame: %v", l.kind, err)
			continue
		}

		m.dispatch(l.kind, env)
	}
}

// writePump drains the outgoing queue and keeps the connection alive with
// pings. Any write error closes the connection, which unblocks readPump.
func (m *Manager) writePump(l *link) {
	ticker := time.NewTicker(config.PingPeriod)

	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			l.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case env := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			data, err := json.Marshal(env)
			if err != nil {
				log.Printf("channel: encoding %s event %q: %v", l.kind, env.Event, err)
				continue
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
