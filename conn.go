package amqp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/amqp1go/amqp1/internal/debug"
	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/frames"
	"github.com/amqp1go/amqp1/internal/sasl"
	"github.com/amqp1go/amqp1/internal/shared"
)

const (
	defaultMaxFrameSize = uint32(65536)
	defaultChannelMax   = uint16(4095)
	defaultWindow       = uint32(5000)
)

// Conn owns the transport and the connection-level state machine: the
// protocol handshake (optionally preceded by SASL negotiation), the open/
// close performative exchange, and the reader/writer goroutines every
// session multiplexes frames through.
type Conn struct {
	net              net.Conn
	containerID      string
	peerMaxFrameSize uint32
	maxFrameSize     uint32
	channelMax       uint16
	idleTimeout      time.Duration
	peerIdleTimeout  time.Duration

	outgoing   chan []byte    // encoded frames awaiting the writer goroutine
	register   chan *Session  // sessions joining the channel table
	unregister chan *Session  // sessions leaving the channel table
	rx         chan frames.Frame

	chMu        sync.Mutex
	nextChannel uint16

	close     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneErr   error
}

// newConn performs the protocol (and optional SASL) handshake over
// netConn and returns a Conn with its reader/writer/mux goroutines
// running, ready to host sessions.
func newConn(netConn net.Conn, opts *ConnOptions) (*Conn, error) {
	if opts == nil {
		opts = &ConnOptions{}
	}

	c := &Conn{
		net:          netConn,
		containerID:  opts.ContainerID,
		maxFrameSize: opts.MaxFrameSize,
		channelMax:   defaultChannelMax,
		idleTimeout:  opts.IdleTimeout,
		outgoing:     make(chan []byte, 16),
		register:     make(chan *Session),
		unregister:   make(chan *Session),
		rx:           make(chan frames.Frame, 16),
		close:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	if c.containerID == "" {
		c.containerID = shared.RandString(24)
	}
	if c.maxFrameSize == 0 {
		c.maxFrameSize = defaultMaxFrameSize
	}
	if opts.MaxSessions > 0 && uint16(opts.MaxSessions) < c.channelMax {
		c.channelMax = uint16(opts.MaxSessions)
	}

	br := bufio.NewReader(netConn)

	if len(opts.SASLType) > 0 {
		if err := c.negotiateSASL(br, opts.SASLType, opts.HostName); err != nil {
			return nil, fmt.Errorf("amqp: SASL negotiation failed: %w", err)
		}
	}

	if _, err := netConn.Write(frames.ProtoHeader{ID: frames.ProtoAMQP, Major: 1}.Encode(nil)); err != nil {
		return nil, err
	}
	if _, err := readProtoHeader(br, frames.ProtoAMQP); err != nil {
		return nil, err
	}

	open := &frames.Open{
		ContainerID:  c.containerID,
		Hostname:     opts.HostName,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   c.channelMax,
		IdleTimeout:  c.idleTimeout,
	}
	if len(opts.Properties) > 0 {
		open.Properties = make(map[encoding.Symbol]any, len(opts.Properties))
		for k, v := range opts.Properties {
			open.Properties[encoding.Symbol(k)] = v
		}
	}
	if err := writeFrame(netConn, frames.TypeAMQP, 0, open); err != nil {
		return nil, err
	}

	fr, err := readFrame(br)
	if err != nil {
		return nil, err
	}
	remoteOpen, ok := fr.Body.(*frames.Open)
	if !ok {
		return nil, fmt.Errorf("amqp: expected open performative, got %T", fr.Body)
	}
	c.peerMaxFrameSize = remoteOpen.MaxFrameSize
	if c.peerMaxFrameSize == 0 {
		c.peerMaxFrameSize = 4294967295
	}
	c.peerIdleTimeout = remoteOpen.IdleTimeout

	go c.connReader(br)
	go c.connWriter()
	go c.mux()

	return c, nil
}

// negotiateSASL drives internal/sasl's client Negotiator over raw SASL
// frames read directly off br, before the steady-state connReader/mux
// goroutines exist.
func (c *Conn) negotiateSASL(br *bufio.Reader, mechanisms []sasl.Mechanism, hostname string) error {
	if _, err := c.net.Write(frames.ProtoHeader{ID: frames.ProtoSASL, Major: 1}.Encode(nil)); err != nil {
		return err
	}
	if _, err := readProtoHeader(br, frames.ProtoSASL); err != nil {
		return err
	}

	neg := sasl.NewNegotiator(mechanisms...)

	fr, err := readFrame(br)
	if err != nil {
		return err
	}
	mechs, ok := fr.Body.(*frames.SASLMechanisms)
	if !ok {
		return fmt.Errorf("amqp: expected sasl-mechanisms, got %T", fr.Body)
	}
	init, err := neg.HandleMechanisms(mechs)
	if err != nil {
		return err
	}
	init.Hostname = hostname
	if err := writeFrame(c.net, frames.TypeSASL, 0, init); err != nil {
		return err
	}

	for {
		fr, err := readFrame(br)
		if err != nil {
			return err
		}
		switch body := fr.Body.(type) {
		case *frames.SASLChallenge:
			resp, err := neg.HandleChallenge(body)
			if err != nil {
				return err
			}
			if err := writeFrame(c.net, frames.TypeSASL, 0, resp); err != nil {
				return err
			}
		case *frames.SASLOutcome:
			return neg.HandleOutcome(body)
		default:
			return fmt.Errorf("amqp: unexpected SASL frame %T", fr.Body)
		}
	}
}

func readProtoHeader(br *bufio.Reader, want frames.ProtoID) (frames.ProtoHeader, error) {
	var buf [frames.HeaderSize]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return frames.ProtoHeader{}, err
	}
	h, err := frames.ParseProtoHeader(buf[:])
	if err != nil {
		return frames.ProtoHeader{}, err
	}
	if h.ID != want {
		return frames.ProtoHeader{}, fmt.Errorf("amqp: expected protocol id %d, got %d", want, h.ID)
	}
	return h, nil
}

func readFrame(br *bufio.Reader) (frames.Frame, error) {
	var hbuf [frames.HeaderSize]byte
	if _, err := io.ReadFull(br, hbuf[:]); err != nil {
		return frames.Frame{}, err
	}
	h, err := frames.ParseHeader(hbuf[:])
	if err != nil {
		return frames.Frame{}, err
	}
	if h.Size == frames.HeaderSize {
		return frames.Frame{Header: h}, nil
	}
	rest := make([]byte, h.Size-frames.HeaderSize)
	if _, err := io.ReadFull(br, rest); err != nil {
		return frames.Frame{}, err
	}
	skip := int(h.DataOffset)*4 - frames.HeaderSize
	b, err := frames.ParseBody(rest[skip:])
	if err != nil {
		return frames.Frame{}, err
	}
	return frames.Frame{Header: h, Body: b}, nil
}

func writeFrame(w io.Writer, t frames.Type, channel uint16, body frames.Body) error {
	buf, err := frames.Encode(t, channel, body)
	if err != nil {
		return err
	}
	_, err = w.Write(buf.Detach())
	return err
}

func (c *Conn) connReader(br *bufio.Reader) {
	p := frames.NewParser()
	buf := make([]byte, 4096)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			got, ferr := p.Feed(buf[:n])
			for _, fr := range got {
				select {
				case c.rx <- fr:
				case <-c.close:
					return
				}
			}
			if ferr != nil {
				c.fail(ferr)
				return
			}
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Conn) connWriter() {
	for {
		select {
		case b := <-c.outgoing:
			if _, err := c.net.Write(b); err != nil {
				c.fail(err)
				return
			}
		case <-c.close:
			return
		}
	}
}

// sendFrame encodes body for channel and queues it for the writer
// goroutine, blocking until there's room or the connection is done.
func (c *Conn) sendFrame(channel uint16, body frames.Body) error {
	buf, err := frames.Encode(frames.TypeAMQP, channel, body)
	if err != nil {
		return err
	}
	select {
	case c.outgoing <- buf.Detach():
		return nil
	case <-c.done:
		return c.doneErr
	}
}

func (c *Conn) mux() {
	sessionsByChannel := make(map[uint16]*Session)

	// keepaliveCh paces our own empty frames off the peer's advertised
	// idle-timeout (what they need from us), not our own.
	var keepaliveCh <-chan time.Time
	if c.peerIdleTimeout > 0 {
		t := time.NewTicker(c.peerIdleTimeout / 2)
		defer t.Stop()
		keepaliveCh = t.C
	}

	// idleCheckCh watches for the peer going silent: if we advertised an
	// idle-timeout at Open, the peer is required to send something at
	// least that often; if nothing arrives within twice that, we give up
	// on the connection rather than waiting forever.
	var idleCheckCh <-chan time.Time
	if c.idleTimeout > 0 {
		t := time.NewTicker(c.idleTimeout / 2)
		defer t.Stop()
		idleCheckCh = t.C
	}
	lastRx := time.Now()

	shutdown := func(remoteErr *encoding.Error) {
		if c.doneErr == nil {
			if remoteErr != nil {
				c.doneErr = &ConnError{RemoteErr: remoteErr}
			} else {
				c.doneErr = &ConnError{}
			}
		}
		// doneErr is set here, before close(c.done); each session's own
		// mux goroutine picks it up (via its "case <-s.conn.done" branch)
		// rather than having this goroutine write s.doneErr directly,
		// which would race with that same field being read/written there.
		c.closeOnce.Do(func() { close(c.close) })
		// unblocks connReader's net.Conn.Read, which doesn't otherwise
		// select on c.close.
		_ = c.net.Close()
		close(c.done)
	}

	for {
		select {
		case <-c.close:
			shutdown(nil)
			return
		case s := <-c.register:
			sessionsByChannel[s.channel] = s
		case s := <-c.unregister:
			delete(sessionsByChannel, s.channel)
		case fr := <-c.rx:
			lastRx = time.Now()
			if fr.Body == nil {
				continue // keepalive
			}
			if cl, ok := fr.Body.(*frames.Close); ok {
				shutdown(cl.Error)
				return
			}
			s, ok := sessionsByChannel[fr.Header.Channel]
			if !ok {
				debug.Log(1, "conn: frame on unregistered channel %d: %s", fr.Header.Channel, fr.Body)
				continue
			}
			select {
			case s.rx <- fr.Body:
			case <-s.done:
			}
		case <-keepaliveCh:
			kh := frames.Header{Size: frames.HeaderSize, DataOffset: 2, FrameType: frames.TypeAMQP}
			select {
			case c.outgoing <- kh.Encode(nil):
			case <-c.close:
			}
		case <-idleCheckCh:
			if time.Since(lastRx) > 2*c.idleTimeout {
				c.fail(fmt.Errorf("amqp: no frame received within %s, peer presumed unresponsive", 2*c.idleTimeout))
			}
		}
	}
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.doneErr = &ConnError{inner: err}
		close(c.close)
	})
}

// allocateChannel returns the next unused local channel number.
func (c *Conn) allocateChannel() uint16 {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	ch := c.nextChannel
	c.nextChannel++
	return ch
}

// Close sends the close performative and waits for the peer's close in
// reply, which shuts down the connection's goroutines; if none arrives
// within five seconds, the connection is closed locally instead.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	_ = c.sendFrame(0, &frames.Close{})
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.closeOnce.Do(func() { close(c.close) })
		<-c.done
	}
	var connErr *ConnError
	if errorsAsConnError(c.doneErr, &connErr) && connErr.inner == nil && connErr.RemoteErr == nil {
		return nil
	}
	return c.doneErr
}

func errorsAsConnError(err error, target **ConnError) bool {
	ce, ok := err.(*ConnError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

// withTimeout derives a context from ctx that expires after d, unless ctx
// already carries a deadline or d is not positive, in which case it only
// adds cancellation. Nothing in this package calls it.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
