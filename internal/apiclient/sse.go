package apiclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"batonrelay/internal/wire"
)

// StreamEvents opens the session's realtime stream and dispatches each
// event to its handler until the server closes the stream or ctx is
// done. A nil handler drops that event type. Callers own reconnection;
// a clean server close returns nil.
func (c *Client) StreamEvents(
	ctx context.Context,
	sessionID string,
	onUpdate func(wire.ChainUpdateEvent),
	onStalled func(wire.ChainsStalledEvent),
) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/sessions/"+sessionID+"/events", nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		c.observe(false)
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	c.observe(true)

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("event stream: unexpected status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			c.dispatchEvent(event, data, onUpdate, onStalled)
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.observe(false)
		return fmt.Errorf("event stream read: %w", err)
	}
	return nil
}

func (c *Client) dispatchEvent(
	event, data string,
	onUpdate func(wire.ChainUpdateEvent),
	onStalled func(wire.ChainsStalledEvent),
) {
	if data == "" {
		return
	}
	switch event {
	case wire.EventChainUpdate:
		var ev wire.ChainUpdateEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.log.Warn("dropping undecodable chain_update event", zap.Error(err))
			return
		}
		if onUpdate != nil {
			onUpdate(ev)
		}
	case wire.EventChainsStalled:
		var ev wire.ChainsStalledEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.log.Warn("dropping undecodable chains_stalled event", zap.Error(err))
			return
		}
		if onStalled != nil {
			onStalled(ev)
		}
	default:
		// Unknown event types are ignored so the stream can grow.
	}
}
