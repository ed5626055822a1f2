// Package ws implements the shared websocket transport driver used by all
// venue adapters. It owns dialing, keepalive dialects, frame inflation, and
// reconnect-with-backoff; venues contribute configuration only.
package ws

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the subset of websocket connection behaviour the transport needs.
// Tests substitute scripted connections.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	SetReadLimit(limit int64)
	Close(code websocket.StatusCode, reason string) error
}

// Dialer establishes websocket connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NetDialer dials real venue endpoints via coder/websocket.
type NetDialer struct{}

// Dial opens a websocket connection to the url.
func (NetDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &netConn{conn: conn}, nil
}

type netConn struct {
	conn *websocket.Conn
}

func (c *netConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *netConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *netConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *netConn) SetReadLimit(limit int64) {
	c.conn.SetReadLimit(limit)
}

func (c *netConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}
