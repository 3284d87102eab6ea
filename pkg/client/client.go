// Package client is a small HTTP client for the mock relay API, intended for
// smoke tests and local relayer development.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
)

// Client talks to one mock relay server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// GetTasks fetches the tasks for a chain, optionally after a cursor task id.
func (c *Client) GetTasks(ctx context.Context, chain, after string) ([]json.RawMessage, error) {
	u := fmt.Sprintf("%s/chain/%s/tasks", c.baseURL, url.PathEscape(chain))
	if after != "" {
		u += "?after=" + url.QueryEscape(after)
	}

	var out struct {
		Tasks []json.RawMessage `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// PostTask enqueues a raw task document on a chain.
func (c *Client) PostTask(ctx context.Context, chain string, task json.RawMessage) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/chain/%s/task", c.baseURL, url.PathEscape(chain))
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, u, task, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostEvents submits a batch of events for a chain and returns the per-event
// results.
func (c *Client) PostEvents(ctx context.Context, chain string, events []json.RawMessage) (*gmp.PostEventResponse, error) {
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/chain/%s/events", c.baseURL, url.PathEscape(chain))
	var out gmp.PostEventResponse
	if err := c.do(ctx, http.MethodPost, u, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitBroadcast submits a broadcast payload to a contract and returns the
// assigned broadcast id.
func (c *Client) SubmitBroadcast(ctx context.Context, contractAddress string, payload json.RawMessage) (string, error) {
	u := fmt.Sprintf("%s/contracts/%s/broadcasts", c.baseURL, url.PathEscape(contractAddress))
	var out struct {
		BroadcastID string `json:"broadcastID"`
	}
	if err := c.do(ctx, http.MethodPost, u, payload, &out); err != nil {
		return "", err
	}
	return out.BroadcastID, nil
}

// BroadcastStatus is the response of the broadcast status endpoint.
type BroadcastStatus struct {
	Status gmp.BroadcastStatus `json:"status"`
	TxHash string              `json:"tx_hash,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// GetBroadcast fetches the status of one broadcast.
func (c *Client) GetBroadcast(ctx context.Context, contractAddress, broadcastID string) (*BroadcastStatus, error) {
	u := fmt.Sprintf("%s/contracts/%s/broadcasts/%s", c.baseURL, url.PathEscape(contractAddress), url.PathEscape(broadcastID))
	var out BroadcastStatus
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StorePayload stores raw payload bytes and returns their keccak256 hash.
func (c *Client) StorePayload(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payloads", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", readError(resp)
	}
	var out struct {
		Keccak256 string `json:"keccak256"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Keccak256, nil
}

// GetPayload fetches payload bytes by hash.
func (c *Client) GetPayload(ctx context.Context, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payloads/"+url.PathEscape(hash), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError carries the problem detail returned by the server.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

func readError(resp *http.Response) error {
	var problem struct {
		Detail string `json:"detail"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(body, &problem)
	return &APIError{StatusCode: resp.StatusCode, Detail: problem.Detail}
}
