package hackernews

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hnharvest/features/item"
)

const DefaultBaseURL = "https://hacker-news.firebaseio.com/v0"

var (
	ErrRateLimited = errors.New("upstream rate limited")
	ErrMalformed   = errors.New("malformed upstream payload")
)

// StatusError is returned for non-2xx upstream answers.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hacker news api error: %d %s", e.Code, e.Body)
}

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

func (c *Client) SetHTTPClient(hc *http.Client) {
	c.client = hc
}

// SetMaxConnsPerHost sizes the idle pool so a fetch window of n requests
// reuses connections instead of redialing.
func (c *Client) SetMaxConnsPerHost(n int) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = n
	t.MaxIdleConnsPerHost = n
	c.client.Transport = t
}

// MaxItem returns the highest item id the upstream has allocated.
func (c *Client) MaxItem(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/maxitem.json")
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(string(bytes.TrimSpace(body)), 10, 64)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: maxitem %q", ErrMalformed, body))
	}
	return id, nil
}

// Item fetches one item. A null body means the id does not exist and yields
// (nil, nil). Errors wrapped in backoff.Permanent must not be retried.
func (c *Client) Item(ctx context.Context, id int64) (*item.Item, error) {
	body, err := c.get(ctx, fmt.Sprintf("/item/%d.json", id))
	if err != nil {
		return nil, err
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}

	var it item.Item
	if err := json.Unmarshal(body, &it); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: item %d: %v", ErrMalformed, id, err))
	}
	if it.ID != id {
		return nil, backoff.Permanent(fmt.Errorf("%w: item %d answered with id %d", ErrMalformed, id, it.ID))
	}
	it.Sanitize()
	return &it, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, path)
	case resp.StatusCode >= 500:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: string(body)})
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: string(body)})
	}
	return body, nil
}
