package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"achat/client/internal/models"
)

// HTTPFetcher fetches history pages from the platform's message API:
// GET {base}/messages/chat/{chatID}?page=N&limit=M.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client

	// Token returns the current bearer token. A func because the token
	// can be rotated between fetches.
	Token func() string
}

func (f *HTTPFetcher) FetchPage(ctx context.Context, chatID int64, page, pageSize int) (*models.HistoryPage, error) {
	url := fmt.Sprintf("%s/messages/chat/%d?page=%d&limit=%d", f.BaseURL, chatID, page, pageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("history: building request: %w", err)
	}
	if f.Token != nil {
		req.Header.Set("Authorization", "Bearer "+f.Token())
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: fetching chat %d page %d: %w", chatID, page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: chat %d page %d: unexpected status %s", chatID, page, resp.Status)
	}

	var body models.HistoryPage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("history: decoding chat %d page %d: %w", chatID, page, err)
	}
	return &body, nil
}

var _ Fetcher = (*HTTPFetcher)(nil)
