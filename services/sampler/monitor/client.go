// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor follows a running sampler through its status API and
// renders progress in the terminal.
//
// # Thread Safety
//
// The bubbletea model is confined to the program's event loop. A Client
// may be read from one goroutine at a time.
package monitor

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/AleutianAI/scalemix/services/sampler/statusapi"
	"github.com/gorilla/websocket"
)

// Client reads run summaries from /v1/stream.
type Client struct {
	conn *websocket.Conn
}

// StreamURL turns a status address (host:port or http(s)://host:port) into
// the websocket URL of its stream.
func StreamURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse status address: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("status address %q has no host", addr)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/stream"
	return u.String(), nil
}

// Dial connects to the status API at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	u, err := StreamURL(addr)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", u, err)
	}
	return &Client{conn: conn}, nil
}

// Next blocks for the next summary. Control frames are answered while it
// waits.
func (c *Client) Next() (statusapi.Summary, error) {
	var s statusapi.Summary
	err := c.conn.ReadJSON(&s)
	return s, err
}

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
