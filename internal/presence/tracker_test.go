package presence_test

import (
	"encoding/json"
	"sync"
	"testing"

	"achat/client/internal/models"
	"achat/client/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestStatusChangeUpdatesOnlineSet(t *testing.T) {
	tr := presence.NewTracker()

	tr.HandleStatusChange(raw(t, models.StatusChange{UserID: 5, Status: models.StatusOnline}))
	assert.True(t, tr.IsOnline(5))

	tr.HandleStatusChange(raw(t, models.StatusChange{UserID: 5, Status: models.StatusOffline}))
	assert.False(t, tr.IsOnline(5))
}

func TestTypingSetSemantics(t *testing.T) {
	tr := presence.NewTracker()

	tr.HandleTyping(raw(t, models.TypingEvent{UserID: 5, ChatID: 7, IsTyping: true}))
	// A duplicate start must not produce a duplicate entry.
	tr.HandleTyping(raw(t, models.TypingEvent{UserID: 5, ChatID: 7, IsTyping: true}))

	assert.Equal(t, []int64{5}, tr.TypingUsersFor(7))

	tr.HandleTyping(raw(t, models.TypingEvent{UserID: 5, ChatID: 7, IsTyping: false}))
	assert.Empty(t, tr.TypingUsersFor(7))
}

func TestOfflineCascadesTypingCleanup(t *testing.T) {
	tr := presence.NewTracker()

	tr.HandleStatusChange(raw(t, models.StatusChange{UserID: 5, Status: models.StatusOnline}))
	tr.HandleTyping(raw(t, models.TypingEvent{UserID: 5, ChatID: 7, IsTyping: true}))
	tr.HandleTyping(raw(t, models.TypingEvent{UserID: 5, ChatID: 9, IsTyping: true}))

	var mu sync.Mutex
	type stop struct {
		userID, chatID int64
	}
	var stops []stop
	tr.OnTypingChange(func(userID, chatID int64, isTyping bool) {
		if !isTyping {
			mu.Lock()
			stops = append(stops, stop{userID, chatID})
			mu.Unlock()
		}
	})

	tr.HandleStatusChange(raw(t, models.StatusChange{UserID: 5, Status: models.StatusOffline}))

	// The user must be gone from every chat's typing set, with a stop
	// notification per affected chat.
	assert.Empty(t, tr.TypingUsersFor(7))
	assert.Empty(t, tr.TypingUsersFor(9))
	mu.Lock()
	assert.Len(t, stops, 2)
	for _, s := range stops {
		assert.Equal(t, int64(5), s.userID)
	}
	mu.Unlock()
}

func TestMalformedEventsAreDropped(t *testing.T) {
	tr := presence.NewTracker()

	tr.HandleStatusChange(json.RawMessage(`{"user_id": "not-a-number"}`))
	tr.HandleStatusChange(raw(t, models.StatusChange{UserID: 5, Status: "away"}))
	tr.HandleTyping(json.RawMessage(`not json at all`))
	tr.HandleTyping(raw(t, models.TypingEvent{UserID: 0, ChatID: 7, IsTyping: true}))

	// Nothing crashed and nothing leaked into the state.
	assert.False(t, tr.IsOnline(5))
	assert.Empty(t, tr.TypingUsersFor(7))

	// A later correct event self-heals.
	tr.HandleStatusChange(raw(t, models.StatusChange{UserID: 5, Status: models.StatusOnline}))
	assert.True(t, tr.IsOnline(5))
}

func TestResetClearsEverything(t *testing.T) {
	tr := presence.NewTracker()

	tr.HandleStatusChange(raw(t, models.StatusChange{UserID: 5, Status: models.StatusOnline}))
	tr.HandleTyping(raw(t, models.TypingEvent{UserID: 5, ChatID: 7, IsTyping: true}))

	tr.Reset()

	assert.False(t, tr.IsOnline(5))
	assert.Empty(t, tr.TypingUsersFor(7))
}

func TestTypingDisposerRemovesListener(t *testing.T) {
	tr := presence.NewTracker()

	calls := 0
	dispose := tr.OnTypingChange(func(int64, int64, bool) { calls++ })

	tr.HandleTyping(raw(t, models.TypingEvent{UserID: 5, ChatID: 7, IsTyping: true}))
	dispose()
	tr.HandleTyping(raw(t, models.TypingEvent{UserID: 5, ChatID: 7, IsTyping: false}))

	assert.Equal(t, 1, calls)
}
