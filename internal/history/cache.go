package history

import (
	"context"
	"errors"
	"sync"

	"achat/client/internal/config"
	"achat/client/internal/models"
)

// ErrNotLoaded means LoadOlder was called for a chat that never had
// LoadInitial run (or was dropped).
var ErrNotLoaded = errors.New("history: chat not loaded")

// Fetcher is the one external interface the cache depends on: the
// collaborator's paginated history endpoint. Pages are 1-based, newest
// first, with messages newest-first inside a page.
type Fetcher interface {
	FetchPage(ctx context.Context, chatID int64, page, pageSize int) (*models.HistoryPage, error)
}

// Cache holds the fetched slice of each chat's persisted history, growing
// backwards in time page by page. It is deliberately not persistent across
// view opens: reopening a chat discards the entry and refetches, trading
// cross-view reuse for always-fresh data.
type Cache struct {
	mu       sync.Mutex
	fetcher  Fetcher
	pageSize int
	chats    map[int64]*chatHistory
}

type chatHistory struct {
	messages []models.Message // ascending by createdAt
	nextPage int
	hasMore  bool
	loading  bool
}

func NewCache(fetcher Fetcher, pageSize int) *Cache {
	if pageSize <= 0 {
		pageSize = config.HistoryPageSize
	}
	return &Cache{
		fetcher:  fetcher,
		pageSize: pageSize,
		chats:    make(map[int64]*chatHistory),
	}
}

// LoadInitial fetches the most recent page of a chat, discarding whatever
// was cached for it before. Safe to call at any time; a stale entry never
// leaks into the fresh one, and a result still in flight for the old entry
// is dropped when it lands.
func (c *Cache) LoadInitial(ctx context.Context, chatID int64) ([]models.Message, error) {
	entry := &chatHistory{nextPage: 1, hasMore: true, loading: true}

	c.mu.Lock()
	c.chats[chatID] = entry
	c.mu.Unlock()

	page, err := c.fetcher.FetchPage(ctx, chatID, 1, c.pageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chats[chatID] != entry {
		// Superseded by a newer LoadInitial or dropped meanwhile.
		return nil, nil
	}
	entry.loading = false
	if err != nil {
		return nil, err
	}

	entry.messages = ascending(page.Messages)
	entry.nextPage = 2
	entry.hasMore = page.HasMore
	return copyMessages(entry.messages), nil
}

// LoadOlder fetches the page strictly older than the oldest cached one and
// returns only the newly added messages (ascending).
//
// Once the server has reported no more data the flag is sticky: further
// calls return immediately with no fetch until the cache is reset. At most
// one fetch is in flight per chat; a call during one is a no-op.
func (c *Cache) LoadOlder(ctx context.Context, chatID int64) ([]models.Message, error) {
	c.mu.Lock()
	entry := c.chats[chatID]
	if entry == nil {
		c.mu.Unlock()
		return nil, ErrNotLoaded
	}
	if !entry.hasMore || entry.loading {
		c.mu.Unlock()
		return nil, nil
	}
	entry.loading = true
	page := entry.nextPage
	c.mu.Unlock()

	res, err := c.fetcher.FetchPage(ctx, chatID, page, c.pageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chats[chatID] != entry {
		return nil, nil
	}
	entry.loading = false
	if err != nil {
		// Prior pages stay intact; retry is the caller's re-trigger.
		return nil, err
	}

	older := ascending(res.Messages)
	merged := make([]models.Message, 0, len(older)+len(entry.messages))
	merged = append(merged, older...)
	merged = append(merged, entry.messages...)
	entry.messages = merged
	entry.nextPage++
	entry.hasMore = res.HasMore
	return copyMessages(older), nil
}

// Messages returns a copy of the cached transcript, oldest first.
func (c *Cache) Messages(chatID int64) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.chats[chatID]
	if entry == nil {
		return nil
	}
	return copyMessages(entry.messages)
}

// HasMore reports whether older pages may remain for the chat.
func (c *Cache) HasMore(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.chats[chatID]
	return entry != nil && entry.hasMore
}

// Drop discards a chat's cached history. Any in-flight fetch result for it
// will be ignored when it arrives.
func (c *Cache) Drop(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chats, chatID)
}

// ascending flips a newest-first server page into chronological order.
func ascending(page []models.Message) []models.Message {
	out := make([]models.Message, len(page))
	for i, msg := range page {
		out[len(page)-1-i] = msg
	}
	return out
}

func copyMessages(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	copy(out, in)
	return out
}
