package remote

import (
	"context"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Watch connects to the backend's websocket change feed and invokes
// onChange once per message until ctx is cancelled.
//
// The feed carries no payloads; each message only signals that the remote
// committed something, and the engine pulls the actual changes over HTTP.
// Connection failures back off and reconnect; periodic sync cycles cover
// the gaps, so a flaky feed degrades latency, never correctness.
func (c *Client) Watch(ctx context.Context, onChange func()) error {
	backoff := time.Second

	for {
		if err := c.watchOnce(ctx, onChange); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("change feed disconnected, reconnecting", "backoff", backoff, "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) watchOnce(ctx context.Context, onChange func()) error {
	conn, _, err := websocket.Dial(ctx, c.watchURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.logger.Info("connected to change feed", "url", c.watchURL())

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
		onChange()
	}
}

func (c *Client) watchURL() string {
	u := c.baseURL + "/v1/watch"
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
