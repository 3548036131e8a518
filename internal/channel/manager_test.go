package channel_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"achat/client/internal/channel"
	"achat/client/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	msgURL  = "ws://test/chats"
	presURL = "ws://test/status"
)

func newTestManager(d *fakeDialer) *channel.Manager {
	return channel.NewManager(channel.Config{
		MessageURL:  msgURL,
		PresenceURL: presURL,
		Dialer:      d,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		MaxAttempts: 3,
	})
}

func TestConnectOpensBothChannels(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(dialer)

	err := m.Connect(context.Background(), "token-1")
	require.NoError(t, err)

	assert.Equal(t, channel.StateConnected, m.State(channel.KindMessage))
	assert.Equal(t, channel.StateConnected, m.State(channel.KindPresence))
	assert.Equal(t, 1, dialer.dialCount(msgURL))
	assert.Equal(t, 1, dialer.dialCount(presURL))

	m.Disconnect()
}

func TestConnectIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(dialer)

	require.NoError(t, m.Connect(context.Background(), "token-1"))
	require.NoError(t, m.Connect(context.Background(), "token-1"))

	// The second call must not dial again or re-register anything.
	assert.Equal(t, 1, dialer.dialCount(msgURL))
	assert.Equal(t, 1, dialer.dialCount(presURL))

	m.Disconnect()
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	dialer := newFakeDialer()
	dialer.authFail = true
	m := newTestManager(dialer)

	err := m.Connect(context.Background(), "bad-token")
	assert.ErrorIs(t, err, channel.ErrAuthRejected)
	assert.Equal(t, channel.StateDisconnected, m.State(channel.KindMessage))

	// No retries may be scheduled for a rejected credential.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(msgURL))
}

func TestEmitAndDispatch(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(dialer)
	require.NoError(t, m.Connect(context.Background(), "token-1"))
	defer m.Disconnect()

	received := make(chan models.TypingEvent, 1)
	m.OnEvent(channel.KindPresence, models.EventTyping, func(data json.RawMessage) {
		var ev models.TypingEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		received <- ev
	})

	dialer.conn(presURL).push(t, models.EventTyping, models.TypingEvent{UserID: 7, ChatID: 42, IsTyping: true})

	select {
	case ev := <-received:
		assert.Equal(t, int64(7), ev.UserID)
		assert.Equal(t, int64(42), ev.ChatID)
		assert.True(t, ev.IsTyping)
	case <-time.After(time.Second):
		t.Fatal("typing event was not dispatched")
	}

	err := m.Emit(channel.KindMessage, models.EventSendMessage, models.SendMessagePayload{ChatID: 42, Content: "hi"})
	require.NoError(t, err)

	conn := dialer.conn(msgURL)
	waitFor(t, time.Second, func() bool { return len(conn.writtenFrames()) == 1 })

	var env models.Envelope
	require.NoError(t, json.Unmarshal(conn.writtenFrames()[0], &env))
	assert.Equal(t, models.EventSendMessage, env.Event)
}

func TestEmitWhileDisconnected(t *testing.T) {
	m := newTestManager(newFakeDialer())

	err := m.Emit(channel.KindMessage, models.EventSendMessage, models.SendMessagePayload{})
	assert.ErrorIs(t, err, channel.ErrNotConnected)
}

func TestEventDisposerRemovesHandler(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(dialer)
	require.NoError(t, m.Connect(context.Background(), "token-1"))
	defer m.Disconnect()

	calls := make(chan struct{}, 4)
	dispose := m.OnEvent(channel.KindPresence, models.EventTyping, func(json.RawMessage) {
		calls <- struct{}{}
	})

	conn := dialer.conn(presURL)
	conn.push(t, models.EventTyping, models.TypingEvent{UserID: 1, ChatID: 1, IsTyping: true})
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	dispose()
	conn.push(t, models.EventTyping, models.TypingEvent{UserID: 1, ChatID: 1, IsTyping: false})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, calls)
}

func TestReconnectAfterDrop(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(dialer)
	rec := &statusRecorder{}
	m.OnStatus(rec.record)

	require.NoError(t, m.Connect(context.Background(), "token-1"))
	defer m.Disconnect()

	// One failed attempt, then the link comes back.
	dialer.mu.Lock()
	dialer.failNext[msgURL] = 1
	dialer.mu.Unlock()

	dialer.conn(msgURL).Close()

	waitFor(t, 2*time.Second, func() bool {
		return m.State(channel.KindMessage) == channel.StateConnected && dialer.dialCount(msgURL) == 3
	})

	// The presence channel never dropped and must not have been redialed.
	assert.Equal(t, 1, dialer.dialCount(presURL))

	var sawDrop bool
	for _, s := range rec.all() {
		if s.Kind == channel.KindMessage && s.State == channel.StateDisconnected {
			sawDrop = true
			assert.NoError(t, s.Err, "a recoverable drop must not carry a terminal error")
		}
	}
	assert.True(t, sawDrop)
}

func TestReconnectGivesUpAfterCap(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(dialer)
	rec := &statusRecorder{}
	m.OnStatus(rec.record)

	require.NoError(t, m.Connect(context.Background(), "token-1"))
	defer m.Disconnect()

	dialer.mu.Lock()
	dialer.failNext[msgURL] = 100 // never let it back in
	dialer.mu.Unlock()

	dialer.conn(msgURL).Close()

	// 3 attempts at 10/20/30ms plus slack.
	waitFor(t, 2*time.Second, func() bool {
		for _, s := range rec.all() {
			if s.Err != nil && s.Kind == channel.KindMessage {
				return true
			}
		}
		return false
	})
	time.Sleep(100 * time.Millisecond)

	// 1 initial + 3 retries, then silence, and exactly one terminal status.
	assert.Equal(t, 4, dialer.dialCount(msgURL))
	terminal := 0
	for _, s := range rec.all() {
		if s.Kind == channel.KindMessage && s.Err != nil {
			assert.ErrorIs(t, s.Err, channel.ErrRetriesExhausted)
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestReconnectDelaysGrowLinearly(t *testing.T) {
	dialer := newFakeDialer()
	m := channel.NewManager(channel.Config{
		MessageURL:  msgURL,
		PresenceURL: presURL,
		Dialer:      dialer,
		BaseDelay:   30 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		MaxAttempts: 3,
	})
	rec := &statusRecorder{}
	m.OnStatus(rec.record)

	dialer.mu.Lock()
	dialer.failNext[msgURL] = 100
	dialer.mu.Unlock()

	require.NoError(t, m.Connect(context.Background(), "token-1"))
	defer m.Disconnect()

	waitFor(t, 2*time.Second, func() bool {
		for _, s := range rec.all() {
			if s.Kind == channel.KindMessage && s.Err != nil {
				return true
			}
		}
		return false
	})

	// Initial dial plus 3 retries, each gap at least base*attempt. Lower
	// bounds only: scheduling can stretch a gap, never shrink it.
	times := dialer.dialTimes(msgURL)
	require.Len(t, times, 4)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 30*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 60*time.Millisecond)
	assert.GreaterOrEqual(t, times[3].Sub(times[2]), 90*time.Millisecond)
}

func TestDisconnectStopsReconnect(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(dialer)

	require.NoError(t, m.Connect(context.Background(), "token-1"))

	dialer.mu.Lock()
	dialer.failNext[msgURL] = 100
	dialer.mu.Unlock()

	dialer.conn(msgURL).Close()
	m.Disconnect()

	dials := dialer.dialCount(msgURL)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, dials, dialer.dialCount(msgURL), "no dials may happen after Disconnect")
	assert.Equal(t, channel.StateDisconnected, m.State(channel.KindMessage))
	assert.Equal(t, channel.StateDisconnected, m.State(channel.KindPresence))
}
