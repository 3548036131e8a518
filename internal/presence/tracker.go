package presence

import (
	"encoding/json"
	"log"
	"sync"

	"achat/client/internal/models"
)

// Tracker is the read model over the presence channel: who is online, and
// who is typing in which chat. It owns both structures exclusively; every
// other component reads through its accessors.
//
// Its Handle* methods are meant to be bound to the presence channel's
// statusChange and typing events. Malformed events are logged and dropped;
// a later correct event self-heals the state.
type Tracker struct {
	mu     sync.RWMutex
	online map[int64]struct{}
	typing map[int64]map[int64]struct{} // chatID -> typing userIDs

	statusSubs map[int64]func(userID int64, status string)
	typingSubs map[int64]func(userID, chatID int64, isTyping bool)
	nextSub    int64
}

func NewTracker() *Tracker {
	return &Tracker{
		online:     make(map[int64]struct{}),
		typing:     make(map[int64]map[int64]struct{}),
		statusSubs: make(map[int64]func(int64, string)),
		typingSubs: make(map[int64]func(int64, int64, bool)),
	}
}

// HandleStatusChange applies an incoming statusChange event. A transition
// to offline cascades: the user is removed from every chat's typing set and
// a typing-stop notification fires for each chat they were typing in, so
// indicators never show a typing user who just went offline.
func (t *Tracker) HandleStatusChange(data json.RawMessage) {
	var ev models.StatusChange
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("presence: dropping malformed statusChange: %v", err)
		return
	}
	if ev.UserID == 0 || (ev.Status != models.StatusOnline && ev.Status != models.StatusOffline) {
		log.Printf("presence: dropping statusChange with bad fields: %+v", ev)
		return
	}

	t.mu.Lock()
	var stoppedChats []int64
	if ev.Status == models.StatusOnline {
		t.online[ev.UserID] = struct{}{}
	} else {
		delete(t.online, ev.UserID)
		for chatID, users := range t.typing {
			if _, ok := users[ev.UserID]; ok {
				delete(users, ev.UserID)
				stoppedChats = append(stoppedChats, chatID)
			}
		}
	}
	t.mu.Unlock()

	for _, chatID := range stoppedChats {
		t.notifyTyping(ev.UserID, chatID, false)
	}
	t.notifyStatus(ev.UserID, ev.Status)
}

// HandleTyping applies an incoming typing event. Duplicate starts are
// idempotent (set semantics).
func (t *Tracker) HandleTyping(data json.RawMessage) {
	var ev models.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("presence: dropping malformed typing event: %v", err)
		return
	}
	if ev.UserID == 0 || ev.ChatID == 0 {
		log.Printf("presence: dropping typing event with bad fields: %+v", ev)
		return
	}

	t.mu.Lock()
	users := t.typing[ev.ChatID]
	if users == nil {
		users = make(map[int64]struct{})
		t.typing[ev.ChatID] = users
	}
	if ev.IsTyping {
		users[ev.UserID] = struct{}{}
	} else {
		delete(users, ev.UserID)
	}
	t.mu.Unlock()

	t.notifyTyping(ev.UserID, ev.ChatID, ev.IsTyping)
}

// IsOnline reports whether the user is currently online. Pure read, never
// blocks on the network.
func (t *Tracker) IsOnline(userID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// TypingUsersFor returns a copy of the set of users typing in a chat.
func (t *Tracker) TypingUsersFor(chatID int64) []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users := t.typing[chatID]
	out := make([]int64, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	return out
}

// Reset clears all presence state. Called on disconnect/logout: the state
// is only meaningful for a live connection.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[int64]struct{})
	t.typing = make(map[int64]map[int64]struct{})
}

// OnStatusChange registers a presence observer; the disposer removes it.
func (t *Tracker) OnStatusChange(fn func(userID int64, status string)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.statusSubs[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.statusSubs, id)
	}
}

// OnTypingChange registers a typing observer; the disposer removes it.
func (t *Tracker) OnTypingChange(fn func(userID, chatID int64, isTyping bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.typingSubs[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.typingSubs, id)
	}
}

func (t *Tracker) notifyStatus(userID int64, status string) {
	t.mu.RLock()
	var fns []func(int64, string)
	for _, fn := range t.statusSubs {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(userID, status)
	}
}

func (t *Tracker) notifyTyping(userID, chatID int64, isTyping bool) {
	t.mu.RLock()
	var fns []func(int64, int64, bool)
	for _, fn := range t.typingSubs {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(userID, chatID, isTyping)
	}
}
