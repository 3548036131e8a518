package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"achat/client/internal/models"

	"github.com/google/uuid"
)

// ErrRejected wraps a server-side rejection of an optimistic send.
var ErrRejected = errors.New("outbox: message rejected by server")

// Transport writes the sendMessage event onto the message channel.
type Transport interface {
	SendMessage(p models.SendMessagePayload) error
}

// Watcher observes one chat's live message flow. OnAppend fires for the
// optimistic copy and for messages from other senders; OnResolve replaces
// the optimistic copy in place with the authoritative one; OnFail removes
// it after a rejection or transport error. The typed content itself is
// never lost by the pipeline; surfacing retry is the caller's job.
type Watcher interface {
	OnAppend(msg models.Message)
	OnResolve(localID string, msg models.Message)
	OnFail(localID string, err error)
}

// Pipeline makes sending feel instantaneous: it hands the caller an
// optimistic message immediately and reconciles it with the server's
// authoritative copy (or rolls it back) when the answer arrives.
//
// Correlation is an explicit client-generated local_id carried on the send
// request and echoed by the server; reconciliation is always scoped to one
// (chat, local_id) pair, so acks arriving out of order across chats can
// never reorder anything within a chat.
type Pipeline struct {
	mu sync.Mutex

	transport Transport
	senderID  int64
	nextTemp  atomic.Int64

	pending  map[string]int64 // localID -> chatID
	watchers map[int64]map[int64]Watcher
	nextSub  int64
}

func NewPipeline(transport Transport, senderID int64) *Pipeline {
	return &Pipeline{
		transport: transport,
		senderID:  senderID,
		pending:   make(map[string]int64),
		watchers:  make(map[int64]map[int64]Watcher),
	}
}

// Send builds the optimistic message, appends it through the chat's
// watchers, then transmits. The temporary id is negative so it can never
// collide with a server-assigned one. A transport failure rolls the
// append back and is returned to the caller.
func (p *Pipeline) Send(chatID int64, content string) (models.Message, error) {
	msg := models.Message{
		ID:        -p.nextTemp.Add(1),
		ChatID:    chatID,
		SenderID:  p.senderID,
		Content:   content,
		CreatedAt: time.Now(),
		LocalID:   uuid.NewString(),
		Pending:   true,
	}

	p.mu.Lock()
	p.pending[msg.LocalID] = chatID
	p.mu.Unlock()

	p.notifyAppend(msg)

	err := p.transport.SendMessage(models.SendMessagePayload{
		ChatID:   chatID,
		SenderID: p.senderID,
		Content:  content,
		LocalID:  msg.LocalID,
	})
	if err != nil {
		p.fail(msg.LocalID, fmt.Errorf("outbox: transmitting message: %w", err))
		return models.Message{}, err
	}
	return msg, nil
}

// HandleMessageSent applies an incoming messageSent event. An echoed
// local_id we are waiting on resolves that optimistic message in place;
// everything else is a live message from another sender and is appended.
func (p *Pipeline) HandleMessageSent(data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("outbox: dropping malformed messageSent: %v", err)
		return
	}
	msg.Pending = false

	p.mu.Lock()
	_, awaited := p.pending[msg.LocalID]
	if awaited {
		delete(p.pending, msg.LocalID)
	}
	p.mu.Unlock()

	if awaited {
		p.notifyResolve(msg.ChatID, msg.LocalID, msg)
		return
	}
	p.notifyAppend(msg)
}

// HandleMessageRejected applies an incoming messageRejected event.
func (p *Pipeline) HandleMessageRejected(data json.RawMessage) {
	var rej models.MessageRejected
	if err := json.Unmarshal(data, &rej); err != nil {
		log.Printf("outbox: dropping malformed messageRejected: %v", err)
		return
	}
	p.fail(rej.LocalID, fmt.Errorf("%w: %s", ErrRejected, rej.Reason))
}

// FailAllPending rolls back every unacknowledged send. Called when the
// message channel errors out from under the pipeline: without a live
// channel no ack can ever arrive.
func (p *Pipeline) FailAllPending(err error) {
	p.mu.Lock()
	stranded := make([]string, 0, len(p.pending))
	for localID := range p.pending {
		stranded = append(stranded, localID)
	}
	p.mu.Unlock()

	for _, localID := range stranded {
		p.fail(localID, err)
	}
}

// Watch subscribes a watcher to one chat; the disposer removes exactly
// this registration.
func (p *Pipeline) Watch(chatID int64, w Watcher) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watchers[chatID] == nil {
		p.watchers[chatID] = make(map[int64]Watcher)
	}
	id := p.nextSub
	p.nextSub++
	p.watchers[chatID][id] = w

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.watchers[chatID], id)
	}
}

func (p *Pipeline) fail(localID string, err error) {
	p.mu.Lock()
	chatID, ok := p.pending[localID]
	if ok {
		delete(p.pending, localID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	for _, w := range p.chatWatchers(chatID) {
		w.OnFail(localID, err)
	}
}

func (p *Pipeline) notifyAppend(msg models.Message) {
	for _, w := range p.chatWatchers(msg.ChatID) {
		w.OnAppend(msg)
	}
}

func (p *Pipeline) notifyResolve(chatID int64, localID string, msg models.Message) {
	for _, w := range p.chatWatchers(chatID) {
		w.OnResolve(localID, msg)
	}
}

func (p *Pipeline) chatWatchers(chatID int64) []Watcher {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Watcher, 0, len(p.watchers[chatID]))
	for _, w := range p.watchers[chatID] {
		out = append(out, w)
	}
	return out
}
