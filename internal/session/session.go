package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"achat/client/internal/history"
	"achat/client/internal/models"
	"achat/client/internal/outbox"
	"achat/client/internal/presence"
)

// ErrSessionClosed is returned by every operation on a disposed session.
var ErrSessionClosed = errors.New("session: closed")

// State of a chat session. Disposed is terminal; a closed session is never
// reused, reopening the chat means constructing a new one.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateLoadingInitial State = "loading_initial"
	StateReady          State = "ready"
	StateLoadingOlder   State = "loading_older"
	StateDisposed       State = "disposed"
)

// Session is the single object a chat view depends on: history pages and
// the live tail merged into one transcript, typing indicators for the chat,
// and sending. Constructed by Client.OpenChat, released with Close.
type Session struct {
	chatID int64
	userID int64

	mu    sync.Mutex
	state State
	hist  []models.Message
	live  []models.Message

	cache    *history.Cache
	pipeline *outbox.Pipeline
	tracker  *presence.Tracker
	emitter  *presence.Emitter

	ctx       context.Context
	cancel    context.CancelFunc
	disposers []func()

	updateSubs map[int64]func()
	failSubs   map[int64]func(localID string, err error)
	nextSub    int64
}

// Messages returns the visible transcript: history pages plus the live
// tail, ordered by createdAt then insertion order.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	merged := make([]models.Message, 0, len(s.hist)+len(s.live))
	merged = append(merged, s.hist...)
	merged = append(merged, s.live...)
	s.mu.Unlock()

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}

// TypingUsers returns who else is currently typing in this chat.
func (s *Session) TypingUsers() []int64 {
	users := s.tracker.TypingUsersFor(s.chatID)
	out := users[:0]
	for _, id := range users {
		if id != s.userID {
			out = append(out, id)
		}
	}
	return out
}

// HasMore reports whether older history pages may remain.
func (s *Session) HasMore() bool {
	return s.cache.HasMore(s.chatID)
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendMessage sends content optimistically. The message shows up in
// Messages immediately; acknowledgment or rollback follows asynchronously.
// Sending also stops the typing indicator.
func (s *Session) SendMessage(content string) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	s.emitter.MessageSent()
	_, err := s.pipeline.Send(s.chatID, content)
	return err
}

// LoadOlder backfills one more history page. A call while a backfill is
// already running, or after the server reported no more data, is a cheap
// no-op.
func (s *Session) LoadOlder() error {
	s.mu.Lock()
	switch s.state {
	case StateDisposed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateLoadingOlder:
		s.mu.Unlock()
		return nil
	}
	s.state = StateLoadingOlder
	ctx := s.ctx
	s.mu.Unlock()

	older, err := s.cache.LoadOlder(ctx, s.chatID)

	s.mu.Lock()
	if s.state != StateDisposed {
		s.state = StateReady
		if err == nil && len(older) > 0 {
			s.installHistoryLocked(s.cache.Messages(s.chatID))
		}
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if len(older) > 0 {
		s.notifyUpdate()
	}
	return nil
}

// Keystroke records typing activity in this chat's input.
func (s *Session) Keystroke() {
	s.mu.Lock()
	disposed := s.state == StateDisposed
	s.mu.Unlock()
	if !disposed {
		s.emitter.Keystroke()
	}
}

// OnUpdate registers a callback fired whenever the transcript or typing
// view changes; the disposer removes it.
func (s *Session) OnUpdate(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.updateSubs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.updateSubs, id)
	}
}

// OnSendFailure registers a callback for rolled-back sends, so the UI can
// mark the message failed and offer retry.
func (s *Session) OnSendFailure(fn func(localID string, err error)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.failSubs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.failSubs, id)
	}
}

// Close disposes the session: typing-stop fires if pending, this session's
// listeners are removed, in-flight history results are dropped, and the
// cached history is discarded so a reopened chat starts fresh. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDisposed
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()

	s.cancel()
	s.emitter.Close()
	for _, dispose := range disposers {
		dispose()
	}
	s.cache.Drop(s.chatID)
	return nil
}

// watcher binds the session to its pipeline events without exporting the
// Watcher methods on Session itself.
type watcher struct{ s *Session }

func (w watcher) OnAppend(msg models.Message) {
	s := w.s
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	if msg.ID > 0 && s.containsLocked(msg.ID) {
		// Already visible (e.g. delivered inside a freshly fetched page).
		s.mu.Unlock()
		return
	}
	s.live = append(s.live, msg)
	s.mu.Unlock()

	s.notifyUpdate()
}

func (w watcher) OnResolve(localID string, msg models.Message) {
	s := w.s
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	replaced := false
	for i := range s.live {
		if s.live[i].LocalID == localID {
			s.live[i] = msg
			replaced = true
			break
		}
	}
	s.mu.Unlock()

	if !replaced {
		log.Printf("session: ack for unknown local id %s in chat %d", localID, s.chatID)
		return
	}
	s.notifyUpdate()
}

func (w watcher) OnFail(localID string, err error) {
	s := w.s
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	kept := s.live[:0]
	for _, m := range s.live {
		if m.LocalID != localID {
			kept = append(kept, m)
		}
	}
	s.live = kept
	var fns []func(string, error)
	for _, fn := range s.failSubs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	log.Printf("session: send %s in chat %d rolled back: %v", localID, s.chatID, err)
	for _, fn := range fns {
		fn(localID, err)
	}
	s.notifyUpdate()
}

// installHistoryLocked replaces the history slice and drops live entries the
// fetched pages already contain. A message can arrive on the live channel
// while the page holding it is still in flight; the fetched copy wins.
// Pending sends carry negative ids and are never matched by a server page.
func (s *Session) installHistoryLocked(msgs []models.Message) {
	s.hist = msgs
	if len(s.live) == 0 {
		return
	}
	ids := make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		ids[m.ID] = struct{}{}
	}
	kept := s.live[:0]
	for _, m := range s.live {
		if _, dup := ids[m.ID]; !dup {
			kept = append(kept, m)
		}
	}
	s.live = kept
}

func (s *Session) containsLocked(id int64) bool {
	for _, m := range s.hist {
		if m.ID == id {
			return true
		}
	}
	for _, m := range s.live {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (s *Session) notifyUpdate() {
	s.mu.Lock()
	var fns []func()
	for _, fn := range s.updateSubs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
