package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/squadpool/missionsync/internal/mission"
)

// Client is the HTTP JSON implementation of Source.
type Client struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		headers: make(map[string]string),
	}
}

func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

func (c *Client) FetchSnapshot(ctx context.Context, id string) (mission.Record, error) {
	var rec mission.Record
	endpoint := "/missions/" + url.PathEscape(mission.NormalizeID(id))
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		return rec, fmt.Errorf("decode snapshot: %w", err)
	}
	rec.ID = mission.NormalizeID(rec.ID)
	return rec, nil
}

func (c *Client) FetchList(ctx context.Context, scope Scope) ([]mission.Record, error) {
	body, err := c.get(ctx, "/missions?scope="+url.QueryEscape(string(scope)))
	if err != nil {
		return nil, err
	}
	var recs []mission.Record
	if err := json.Unmarshal(body, &recs); err != nil {
		return nil, fmt.Errorf("decode mission list: %w", err)
	}
	for i := range recs {
		recs[i].ID = mission.NormalizeID(recs[i].ID)
	}
	return recs, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("snapshot API status %d: %s", resp.StatusCode, string(responseBody))
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return responseBody, nil
}
