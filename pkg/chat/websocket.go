package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsInitialBackoff = 2 * time.Second
	wsMaxBackoff     = 60 * time.Second
)

// Listen connects to the Mattermost websocket and invokes handler for
// every decoded event. Reconnects with exponential backoff until ctx is
// cancelled. The backoff resets after a connection that delivered at
// least one event.
func (c *Mattermost) Listen(ctx context.Context, handler func(Event)) {
	backoff := wsInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		c.logger.Info("connecting websocket")
		delivered, err := c.listenOnce(ctx, handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("websocket error", "error", err)
		}
		if delivered {
			backoff = wsInitialBackoff
		}
		c.logger.Warn("websocket disconnected, reconnecting", "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, wsMaxBackoff)
	}
}

func (c *Mattermost) listenOnce(ctx context.Context, handler func(Event)) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.websocketURL(), nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close() }()

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	auth := map[string]any{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": c.cfg.Token},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return false, err
	}

	delivered := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			c.logger.Debug("undecodable websocket frame", "error", err)
			continue
		}
		if event.Event == "" {
			continue
		}
		delivered = true
		handler(event)
	}
}

func (c *Mattermost) websocketURL() string {
	url := c.cfg.ServerURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/api/v4/websocket"
}
