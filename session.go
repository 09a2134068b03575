package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/amqp1go/amqp1/internal/debug"
	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/frames"
)

// needsDeliveryID is a sentinel placed in a Transfer's DeliveryID field by
// a link before handing it to the session; the session replaces it with
// its own NextOutgoingID when assigning delivery IDs.
var needsDeliveryID uint32

// pendingDelivery tracks an in-flight (unsettled) outgoing delivery so an
// incoming Disposition can be routed back to the Sender.Send call
// awaiting its outcome.
type pendingDelivery struct {
	done chan encoding.DeliveryState
}

// Session represents an AMQP session: a session-level flow-control window
// and the set of links attached to it.
type Session struct {
	conn    *Conn
	channel uint16

	rx         chan frames.Body    // frames routed to this session's mux by Conn.mux
	tx         chan frames.Body    // non-transfer frames awaiting the mux's send
	txTransfer chan *frames.Transfer

	close     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneErr   error

	handlesMu           sync.Mutex
	handles             map[uint32]*link // local handle -> link
	linksByName         map[linkKey]*link
	linksByRemoteHandle map[uint32]*link
	nextHandle          uint32
	maxLinks            uint32

	nextDeliveryID uint32
	unsettled      map[uint32]*pendingDelivery

	incomingWindow uint32
	outgoingWindow uint32

	// windowMu guards the session's outgoing-window bookkeeping, read from
	// a Sender's own mux goroutine (via sendWindowReady) and written from
	// the session's mux goroutine (on every transfer sent and every Flow
	// received).
	windowMu             sync.Mutex
	nextOutgoingID       uint32
	remoteIncomingWindow uint32
	windowReady          chan struct{}
}

// newSession performs the Begin/Begin handshake synchronously (mirroring
// link.attach's pattern) and only starts the steady-state mux goroutine
// once the session is confirmed open.
func newSession(ctx context.Context, conn *Conn, opts *SessionOptions) (*Session, error) {
	channel := conn.allocateChannel()

	s := &Session{
		conn:                conn,
		channel:             channel,
		rx:                  make(chan frames.Body, 1),
		tx:                  make(chan frames.Body),
		txTransfer:          make(chan *frames.Transfer),
		close:               make(chan struct{}),
		done:                make(chan struct{}),
		handles:             make(map[uint32]*link),
		linksByName:         make(map[linkKey]*link),
		linksByRemoteHandle: make(map[uint32]*link),
		unsettled:           make(map[uint32]*pendingDelivery),
		incomingWindow:      defaultWindow,
		outgoingWindow:      defaultWindow,
		windowReady:         make(chan struct{}),
	}
	if opts != nil {
		s.maxLinks = opts.MaxLinks
	}

	conn.register <- s

	begin := &frames.Begin{
		NextOutgoingID: 0,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
	}
	if s.maxLinks > 0 {
		begin.HandleMax = s.maxLinks - 1
	}
	if err := conn.sendFrame(channel, begin); err != nil {
		conn.unregister <- s
		return nil, err
	}

	select {
	case fr := <-s.rx:
		resp, ok := fr.(*frames.Begin)
		if !ok {
			conn.unregister <- s
			return nil, fmt.Errorf("amqp: expected begin response, got %T", fr)
		}
		s.nextDeliveryID = resp.NextOutgoingID
		s.remoteIncomingWindow = resp.IncomingWindow
	case <-ctx.Done():
		conn.unregister <- s
		return nil, ctx.Err()
	case <-conn.done:
		return nil, conn.doneErr
	}

	go s.mux()

	return s, nil
}

// newFlow returns a Flow with the session's window fields populated, ready
// for a link to add its own handle, delivery-count, link-credit, drain and
// echo fields. IncomingWindow/OutgoingWindow are the constant values
// advertised at Begin; NextOutgoingID reflects the live transfer count so
// the peer can compute our remote-incoming-window accurately.
func (s *Session) newFlow() *frames.Flow {
	s.windowMu.Lock()
	nextOutgoingID := s.nextOutgoingID
	s.windowMu.Unlock()
	return &frames.Flow{
		NextOutgoingID: nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
	}
}

// sendWindowReady reports whether the session believes the peer has room
// to accept another transfer frame, along with the channel that's closed
// the next time the window may have changed (on every Flow received).
func (s *Session) sendWindowReady() (bool, chan struct{}) {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	return s.remoteIncomingWindow > 0, s.windowReady
}

// signalWindow wakes any sender mux blocked in sendWindowReady.
func (s *Session) signalWindow() {
	s.windowMu.Lock()
	ch := s.windowReady
	s.windowReady = make(chan struct{})
	s.windowMu.Unlock()
	close(ch)
}

// allocateHandle assigns l the next free handle number, failing if the
// session's handle-max would be exceeded.
func (s *Session) allocateHandle(l *link) error {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()

	if s.maxLinks > 0 && uint32(len(s.handles)) >= s.maxLinks {
		return fmt.Errorf("amqp: session handle-max (%d) exceeded", s.maxLinks)
	}
	for {
		if _, ok := s.handles[s.nextHandle]; !ok {
			break
		}
		s.nextHandle++
	}
	l.handle = s.nextHandle
	s.nextHandle++
	s.handles[l.handle] = l
	s.linksByName[l.key] = l
	return nil
}

// deallocateHandle frees l's handle and name/remote-handle mappings.
func (s *Session) deallocateHandle(l *link) {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	delete(s.handles, l.handle)
	delete(s.linksByName, l.key)
	delete(s.linksByRemoteHandle, l.remoteHandle)
}

// txFrame sends fr through the session's mux, optionally blocking for a
// transfer's completion signal on done.
func (s *Session) txFrame(fr frames.Body, done chan struct{}) error {
	if tr, ok := fr.(*frames.Transfer); ok {
		select {
		case s.txTransfer <- tr:
			return nil
		case <-s.done:
			return s.doneErr
		}
	}
	select {
	case s.tx <- fr:
		return nil
	case <-done:
		return nil
	case <-s.done:
		return s.doneErr
	}
}

func (s *Session) mux() {
	defer func() {
		s.conn.unregister <- s
		close(s.done)
	}()

	for {
		select {
		case <-s.close:
			_ = s.conn.sendFrame(s.channel, &frames.End{})
			if s.doneErr == nil {
				s.doneErr = &SessionError{}
			}
			return

		case fr := <-s.rx:
			if err := s.muxHandleFrame(fr); err != nil {
				s.doneErr = err
				return
			}

		case fr := <-s.tx:
			if err := s.conn.sendFrame(s.channel, fr); err != nil {
				s.doneErr = err
				return
			}

		case tr := <-s.txTransfer:
			if tr.DeliveryID != nil && tr.DeliveryID == &needsDeliveryID {
				id := s.nextDeliveryID
				s.nextDeliveryID++
				tr.DeliveryID = &id
				if tr.Done != nil {
					s.unsettled[id] = &pendingDelivery{done: tr.Done}
				}
			}
			if err := s.conn.sendFrame(s.channel, tr); err != nil {
				s.doneErr = err
				return
			}
			s.windowMu.Lock()
			s.nextOutgoingID++
			if s.remoteIncomingWindow > 0 {
				s.remoteIncomingWindow--
			}
			s.windowMu.Unlock()

		case <-s.conn.done:
			s.doneErr = s.conn.doneErr
			return
		}
	}
}

func (s *Session) muxHandleFrame(fr frames.Body) error {
	debug.Log(2, "RX (session %d): %s", s.channel, fr)

	switch fr := fr.(type) {
	case *frames.Attach:
		// an Attach is the one performative allowed to reference a handle
		// not yet in linksByRemoteHandle (it's what populates that entry),
		// but it must still match a link this session itself attached.
		l, ok := s.linksByName[linkKey{fr.Name, otherRole(fr.Role)}]
		if !ok {
			return s.unattachedHandleError(fmt.Sprintf("attach response for unknown link %q", fr.Name))
		}
		s.linksByRemoteHandle[fr.Handle] = l
		return s.queueToLink(l, fr)

	case *frames.Flow:
		nextIncomingID := s.nextOutgoingID
		if fr.NextIncomingID != nil {
			nextIncomingID = *fr.NextIncomingID
		}
		s.windowMu.Lock()
		s.remoteIncomingWindow = nextIncomingID + fr.IncomingWindow - s.nextOutgoingID
		s.windowMu.Unlock()
		s.signalWindow()

		if fr.Handle == nil {
			// session-level flow update only; nothing link-specific to route.
			return nil
		}
		l, ok := s.linksByRemoteHandle[*fr.Handle]
		if !ok {
			return s.unattachedHandleError(fmt.Sprintf("flow for unattached handle %d", *fr.Handle))
		}
		return s.queueToLink(l, fr)

	case *frames.Transfer:
		l, ok := s.linksByRemoteHandle[fr.Handle]
		if !ok {
			return s.unattachedHandleError(fmt.Sprintf("transfer for unattached handle %d", fr.Handle))
		}
		return s.queueToLink(l, fr)

	case *frames.Detach:
		l, ok := s.linksByRemoteHandle[fr.Handle]
		if !ok {
			return s.unattachedHandleError(fmt.Sprintf("detach for unattached handle %d", fr.Handle))
		}
		return s.queueToLink(l, fr)

	case *frames.Disposition:
		return s.settleDisposition(fr)

	case *frames.End:
		if s.doneErr == nil {
			if fr.Error != nil {
				s.doneErr = &SessionError{RemoteErr: fr.Error}
			} else {
				s.doneErr = &SessionError{}
			}
		}
		_ = s.conn.sendFrame(s.channel, &frames.End{})
		return s.doneErr

	default:
		debug.Log(1, "session: unexpected frame: %s", fr)
		return nil
	}
}

// queueToLink hands fr to l's rxQ, never blocking the session mux on a
// slow or gone link.
func (s *Session) queueToLink(l *link, fr frames.Body) error {
	l.rxQ.Enqueue(fr)
	return nil
}

// unattachedHandleError fails the session with the unattached-handle
// condition: the peer referenced a handle/name this session never
// attached, the tie-break rule for an attach/flow/transfer/detach that
// targets an unknown handle.
func (s *Session) unattachedHandleError(desc string) error {
	werr := &encoding.Error{Condition: "amqp:session:unattached-handle", Description: desc}
	_ = s.conn.sendFrame(s.channel, &frames.End{Error: werr})
	return &SessionError{inner: fmt.Errorf("amqp: %s", desc)}
}

// settleDisposition resolves the Done channel of every unsettled outgoing
// delivery in [First, Last], and, per RSM=second, echoes a settled
// confirmation back to the peer. A malformed range (First > Last) fails
// the session rather than silently iterating zero times.
func (s *Session) settleDisposition(fr *frames.Disposition) error {
	last := fr.First
	if fr.Last != nil {
		last = *fr.Last
		if last < fr.First {
			werr := &encoding.Error{
				Condition:   "amqp:invalid-field",
				Description: fmt.Sprintf("disposition first (%d) > last (%d)", fr.First, last),
			}
			_ = s.conn.sendFrame(s.channel, &frames.End{Error: werr})
			return &SessionError{inner: fmt.Errorf("amqp: malformed disposition range [%d, %d]", fr.First, last)}
		}
	}
	for id := fr.First; id <= last; id++ {
		pd, ok := s.unsettled[id]
		if !ok {
			continue
		}
		delete(s.unsettled, id)
		select {
		case pd.done <- fr.State:
		default:
		}
	}

	if fr.Settled {
		return nil
	}
	_ = s.conn.sendFrame(s.channel, &frames.Disposition{
		Role:    encoding.RoleSender,
		First:   fr.First,
		Last:    fr.Last,
		Settled: true,
	})
	return nil
}

func otherRole(r encoding.Role) encoding.Role {
	if r == encoding.RoleSender {
		return encoding.RoleReceiver
	}
	return encoding.RoleSender
}

// Close sends the end performative and waits until the session's mux has
// stopped or ctx expires. It does not wait for the peer's end in reply.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.close) })
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var sessErr *SessionError
	if asSessionError(s.doneErr, &sessErr) && sessErr.inner == nil && sessErr.RemoteErr == nil {
		return nil
	}
	return s.doneErr
}

func asSessionError(err error, target **SessionError) bool {
	se, ok := err.(*SessionError)
	if !ok {
		return false
	}
	*target = se
	return true
}

// NewSender opens a sending link to target.
func (s *Session) NewSender(ctx context.Context, target string, opts *SenderOptions) (*Sender, error) {
	snd, err := newSender(target, s, opts)
	if err != nil {
		return nil, err
	}
	if err := snd.attach(ctx); err != nil {
		return nil, err
	}
	return snd, nil
}

// NewReceiver opens a receiving link to source.
func (s *Session) NewReceiver(ctx context.Context, source string, opts *ReceiverOptions) (*Receiver, error) {
	rcv, err := newReceiver(source, s, opts)
	if err != nil {
		return nil, err
	}
	if err := rcv.attach(ctx); err != nil {
		return nil, err
	}
	return rcv, nil
}

// NewTransactionController opens a control link to a transaction
// coordinator on this session.
func (s *Session) NewTransactionController(ctx context.Context, opts *TransactionControllerOptions) (*TransactionController, error) {
	return newTransactionController(ctx, s, opts)
}
