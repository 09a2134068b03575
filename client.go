package amqp

import (
	"context"
	"net"
)

// Client is the top-level handle on an AMQP connection: one Conn plus the
// sessions opened on it. Dialing/TLS/WebSocket framing are out of scope —
// New takes an already-established net.Conn (a *tls.Conn or a WebSocket
// wrapper both satisfy it equally).
type Client struct {
	conn *Conn
}

// New performs the AMQP (optionally SASL-preceded) handshake over conn and
// returns a Client ready to open sessions.
func New(conn net.Conn, opts *ConnOptions) (*Client, error) {
	c, err := newConn(conn, opts)
	if err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// NewSession opens a new session on the connection.
func (c *Client) NewSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	return newSession(ctx, c.conn, opts)
}

// Close closes the connection, waiting for the close performative exchange
// or returning immediately if it has already terminated.
func (c *Client) Close() error {
	return c.conn.Close()
}
