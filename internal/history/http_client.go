package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Page is the data block of the history API response.
type Page struct {
	Messages   []domain.Message `json:"messages"`
	NextCursor string           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

type apiResponse struct {
	Success bool `json:"success"`
	Data    Page `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// HTTPClient fetches history from the chat-history API:
// GET {base}/api/v1/rooms/{room_id}/messages?before=&limit=
type HTTPClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	token   func(ctx context.Context) (string, error)
	sf      singleflight.Group
}

// NewHTTPClient builds a client for cfg.BaseURL. A nil httpClient gets one
// with cfg.Timeout.
func NewHTTPClient(cfg config.HistoryConfig, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		timeout: cfg.Timeout,
	}
}

// WithBearer makes every request carry the token returned by fn.
func (c *HTTPClient) WithBearer(fn func(ctx context.Context) (string, error)) *HTTPClient {
	c.token = fn
	return c
}

func (c *HTTPClient) FetchHistory(ctx context.Context, roomID, before string, limit int) ([]domain.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(ClampLimit(limit)))
	if before != "" {
		q.Set("before", before)
	}
	endpoint := fmt.Sprintf("%s/api/v1/rooms/%s/messages?%s", c.baseURL, url.PathEscape(roomID), q.Encode())

	token := ""
	if c.token != nil {
		var err error
		if token, err = c.token(ctx); err != nil {
			return nil, fmt.Errorf("failed to read history token: %w", err)
		}
	}

	// Screens mounting the same room with the same token share one request.
	// It runs detached so one caller giving up does not fail the others.
	ch := c.sf.DoChan(token+" "+endpoint, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, c.timeout)
			defer cancel()
		}
		return c.fetch(fetchCtx, endpoint, token)
	})

	var result interface{}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to fetch history: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		result = res.Val
	}

	page, ok := result.(*Page)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	out := make([]domain.Message, len(page.Messages))
	for i, m := range page.Messages {
		out[i] = m.Clone()
	}
	return out, nil
}

func (c *HTTPClient) fetch(ctx context.Context, endpoint, token string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode history response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !body.Success {
		msg := http.StatusText(resp.StatusCode)
		if body.Error != nil && body.Error.Message != "" {
			msg = body.Error.Message
		}
		return nil, fmt.Errorf("history request failed with status %d: %s", resp.StatusCode, msg)
	}
	return &body.Data, nil
}
