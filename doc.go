// Package amqp implements an AMQP 1.0 client: connection and session
// multiplexing, sending and receiving links, and the message envelope
// carried over them.
//
// A Client is built from an already-established net.Conn (dialing, TLS,
// and WebSocket framing are the caller's responsibility); Sessions, and
// the Senders/Receivers attached to them, are opened from there.
package amqp
