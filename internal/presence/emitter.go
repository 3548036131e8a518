package presence

import (
	"log"
	"sync"
	"time"

	"achat/client/internal/config"
)

// TypingSender writes typing signals onto the presence channel.
type TypingSender interface {
	SendTyping(chatID, userID int64, isTyping bool) error
}

// Emitter turns noisy keystroke activity in one chat's input into a minimal
// typing-start/typing-stop pair on the presence channel. One Emitter exists
// per open chat session and owns its debounce timer; Close guarantees no
// stale typing state is left behind after the view goes away.
//
// The emitter only writes; it never reads Tracker state.
type Emitter struct {
	mu sync.Mutex

	sender TypingSender
	chatID int64
	userID int64
	idle   time.Duration

	typing bool
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewEmitter builds an emitter for one chat. idle <= 0 falls back to the
// default debounce duration.
func NewEmitter(sender TypingSender, chatID, userID int64, idle time.Duration) *Emitter {
	if idle <= 0 {
		idle = config.TypingIdle
	}
	return &Emitter{
		sender: sender,
		chatID: chatID,
		userID: userID,
		idle:   idle,
	}
}

// Keystroke records input activity. The first keystroke emits typing-start
// immediately; every keystroke re-arms the debounce timer. When the timer
// expires without further activity, typing-stop is emitted.
func (e *Emitter) Keystroke() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if !e.typing {
		e.typing = true
		e.emit(true)
	}

	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(e.idle, func() { e.timerFired(gen) })
}

// MessageSent emits typing-stop immediately and cancels the pending timer.
// Sending a message implies the user stopped composing.
func (e *Emitter) MessageSent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

// Close releases the emitter when the chat view goes away, emitting
// typing-stop if a typing mark is still pending. Idempotent; keystrokes
// after Close are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.stopLocked()
	e.closed = true
}

func (e *Emitter) timerFired(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A keystroke may have re-armed the timer between this callback firing
	// and it acquiring the lock; the generation check makes such a stale
	// expiry a no-op.
	if e.closed || !e.typing || gen != e.gen {
		return
	}
	e.typing = false
	e.timer = nil
	e.emit(false)
}

func (e *Emitter) stopLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.typing {
		e.typing = false
		e.emit(false)
	}
}

func (e *Emitter) emit(isTyping bool) {
	if err := e.sender.SendTyping(e.chatID, e.userID, isTyping); err != nil {
		log.Printf("presence: typing signal for chat %d not sent: %v", e.chatID, err)
	}
}
