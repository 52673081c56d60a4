// Package remote implements the HTTP transport to a sync backend.
//
// The wire protocol is two JSON endpoints plus a websocket:
//
//	GET  /v1/changes?cursor=C   -> {"changes": [...], "cursor": "C'"}
//	POST /v1/changes            <- {"device_id": "...", "changes": [...]}
//	WS   /v1/watch              -> one message per remote commit
//
// The client classifies failures for the sync engine: request rejections
// (4xx) are permanent, everything else (network errors, 5xx, throttling)
// is transient and retried on a later cycle.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/localfirst/outpost/internal/record"
	"github.com/localfirst/outpost/internal/store"
	"github.com/localfirst/outpost/internal/syncengine"
)

// Client talks to one sync backend. It implements syncengine.Transport.
type Client struct {
	baseURL  string
	deviceID string
	token    string
	http     *http.Client
	logger   *log.Logger
}

// Options configures a client. The zero value is usable.
type Options struct {
	// Token is sent as a bearer credential when set.
	Token string

	// Timeout bounds each HTTP request. Defaults to 30s.
	Timeout time.Duration

	// Logger receives transport diagnostics. Defaults to a stderr logger.
	Logger *log.Logger
}

// NewClient creates a client for the backend at baseURL. deviceID is sent
// with every push so the backend can exclude a device's own changes from
// its pull stream.
func NewClient(baseURL, deviceID string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "remote"})
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		token:    opts.Token,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// changesResponse is the pull endpoint's body.
type changesResponse struct {
	Changes []*record.Envelope `json:"changes"`
	Cursor  string             `json:"cursor"`
}

// pushRequest is the push endpoint's body.
type pushRequest struct {
	DeviceID string             `json:"device_id"`
	Changes  []*record.Envelope `json:"changes"`
}

// FetchChangesSince implements syncengine.Transport.
func (c *Client) FetchChangesSince(ctx context.Context, cursor string) ([]*record.Envelope, string, error) {
	endpoint := c.baseURL + "/v1/changes"
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build fetch request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", &syncengine.TransportError{Err: fmt.Errorf("fetch failed: %w", err)}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, "", err
	}

	var body changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", &syncengine.TransportError{Err: fmt.Errorf("failed to decode changes: %w", err)}
	}

	return body.Changes, body.Cursor, nil
}

// Push implements syncengine.Transport.
func (c *Client) Push(ctx context.Context, entries []store.ChangeEntry) error {
	changes := make([]*record.Envelope, 0, len(entries))
	for i := range entries {
		env, err := entries[i].Envelope()
		if err != nil {
			// A locally undecodable entry can never transmit.
			return &syncengine.TransportError{Permanent: true, Err: err}
		}
		changes = append(changes, env)
	}

	payload, err := json.Marshal(pushRequest{DeviceID: c.deviceID, Changes: changes})
	if err != nil {
		return &syncengine.TransportError{Permanent: true, Err: fmt.Errorf("failed to encode push: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/changes", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &syncengine.TransportError{Err: fmt.Errorf("push failed: %w", err)}
	}
	defer resp.Body.Close()

	return classifyStatus(resp)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyStatus maps an HTTP response to a transport error.
//
// Timeouts and throttling (408, 429) and every 5xx stay transient so the
// outbox retries; other 4xx mean the backend rejected the request itself,
// which retrying cannot fix.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("backend returned %s: %s", resp.Status, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &syncengine.TransportError{Err: err}
	default:
		return &syncengine.TransportError{Permanent: true, Err: err}
	}
}
