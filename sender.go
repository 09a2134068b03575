package amqp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/amqp1go/amqp1/internal/buffer"
	"github.com/amqp1go/amqp1/internal/debug"
	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/frames"
)

// Sender sends messages on a single AMQP link.
type Sender struct {
	l         link
	transfers chan frames.Transfer // sender uses to send transfer frames

	// Indicates whether we should automatically close the link on disposition errors or not.
	// Some AMQP servers benefit from keeping the link open on disposition errors
	// (for instance, if you're doing many parallel sends over the same link and you get back a
	// throttling error, which is not fatal)
	closeOnDispositionError bool

	mu              sync.Mutex // protects buf and nextDeliveryTag
	buf             buffer.Buffer
	nextDeliveryTag uint64

	// The number of messages awaiting credit at the link sender endpoint. Only the sender can
	// independently set this value. The receiver sets this to the last known value seen from the sender.
	availableCredit uint32
}

// LinkName is the name of the link used for this Sender.
func (s *Sender) LinkName() string {
	return s.l.key.name
}

// MaxMessageSize is the maximum size of a single message.
func (s *Sender) MaxMessageSize() uint64 {
	return s.l.maxMessageSize
}

// SendOptions contains any optional values for the Sender.Send method.
type SendOptions struct {
	// for future expansion
}

// Send sends a Message.
//
// Blocks until the message is sent, ctx completes, or an error occurs.
//
// Send is safe for concurrent use. Since only a single message can be
// sent on a link at a time, this is most useful when settlement confirmation
// has been requested (receiver settle mode is "Second"). In this case,
// additional messages can be sent while the current goroutine is waiting
// for the confirmation.
func (s *Sender) Send(ctx context.Context, msg *Message, opts *SendOptions) error {
	select {
	case <-s.l.done:
		return s.l.doneErr
	default:
	}
	done, err := s.send(ctx, msg)
	if err != nil {
		return err
	}

	select {
	case state := <-done:
		if state, ok := state.(*encoding.StateRejected); ok {
			if s.detachOnRejectDisp() {
				s.l.closeOnce.Do(func() { close(s.l.close) })
				return &LinkError{RemoteErr: state.Error}
			}
			return state.Error
		}
		return nil
	case <-s.l.done:
		return s.l.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendRaw behaves like Send but returns the peer's raw DeliveryState instead
// of translating a rejection into an error; used by the transaction
// controller, which needs to inspect the StateDeclared/StateAccepted value
// itself rather than just a success/failure outcome.
func (s *Sender) sendRaw(ctx context.Context, msg *Message, opts *SendOptions) (encoding.DeliveryState, error) {
	done, err := s.send(ctx, msg)
	if err != nil {
		return nil, err
	}
	select {
	case state := <-done:
		return state, nil
	case <-s.l.done:
		return nil, s.l.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send is separated from Send so that the mutex unlock can be deferred without
// locking the transfer confirmation that happens in Send.
func (s *Sender) send(ctx context.Context, msg *Message) (chan encoding.DeliveryState, error) {
	const (
		maxDeliveryTagLength   = 32
		maxTransferFrameHeader = 66
	)
	if len(msg.DeliveryTag) > maxDeliveryTagLength {
		return nil, fmt.Errorf("delivery tag is over the allowed %v bytes, len: %v", maxDeliveryTagLength, len(msg.DeliveryTag))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	err := msg.Marshal(&s.buf)
	if err != nil {
		return nil, err
	}

	if s.l.maxMessageSize != 0 && uint64(s.buf.Len()) > s.l.maxMessageSize {
		return nil, fmt.Errorf("encoded message size exceeds max of %d", s.l.maxMessageSize)
	}

	var (
		maxPayloadSize = int64(s.l.session.conn.peerMaxFrameSize) - maxTransferFrameHeader
		sndSettleMode  = s.l.senderSettleMode
		senderSettled  = sndSettleMode != nil && (*sndSettleMode == SenderSettleModeSettled || (*sndSettleMode == SenderSettleModeMixed && msg.SendSettled))
	)

	deliveryTag := msg.DeliveryTag
	if len(deliveryTag) == 0 {
		deliveryTag = make([]byte, 8)
		binary.BigEndian.PutUint64(deliveryTag, s.nextDeliveryTag)
		s.nextDeliveryTag++
	}

	done := make(chan encoding.DeliveryState, 1)
	fr := frames.Transfer{
		Handle:        s.l.handle,
		DeliveryID:    &needsDeliveryID,
		DeliveryTag:   deliveryTag,
		MessageFormat: &msg.Format,
		More:          s.buf.Len() > 0,
		// Done travels on every physical frame of a (possibly multi-frame)
		// transfer so the session can register it against the delivery ID
		// as soon as that ID is assigned, on the first frame.
		Done: done,
	}

	for fr.More {
		buf, _ := s.buf.Next(maxPayloadSize)
		fr.Payload = append([]byte(nil), buf...)
		fr.More = s.buf.Len() > 0
		if !fr.More {
			// mark final transfer as settled when sender mode is settled
			fr.Settled = senderSettled
		}

		select {
		case s.transfers <- fr:
		case <-s.l.done:
			return nil, s.l.doneErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// clear values that are only required on first message
		fr.DeliveryID = nil
		fr.DeliveryTag = nil
		fr.MessageFormat = nil
	}

	if senderSettled {
		// a pre-settled transfer gets no disposition from the peer; resolve
		// the future ourselves once the frames have been handed off.
		done <- &encoding.StateAccepted{}
	}

	return done, nil
}

// Address returns the link's address.
func (s *Sender) Address() string {
	if s.l.target == nil {
		return ""
	}
	return s.l.target.Address
}

// Close closes the Sender and AMQP link.
func (s *Sender) Close(ctx context.Context) error {
	return s.l.closeLink(ctx)
}

// newSender creates a new sending link and attaches it to the session.
func newSender(target string, session *Session, opts *SenderOptions) (*Sender, error) {
	s := &Sender{
		l:                       newLink(session, encoding.RoleSender),
		closeOnDispositionError: true,
	}
	s.l.target = &encoding.Target{Address: target}
	s.l.source = new(encoding.Source)

	if opts == nil {
		return s, nil
	}

	for _, v := range opts.Capabilities {
		s.l.source.Capabilities = append(s.l.source.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	s.l.source.Durable = opts.Durability
	if opts.DynamicAddress {
		s.l.target.Address = ""
		s.l.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		s.l.source.ExpiryPolicy = opts.ExpiryPolicy
	}
	s.l.source.Timeout = opts.ExpiryTimeout
	s.closeOnDispositionError = !opts.IgnoreDispositionErrors
	if opts.Name != "" {
		s.l.key.name = opts.Name
	}
	if opts.Properties != nil {
		s.l.properties = make(map[encoding.Symbol]any)
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("link property key must not be empty")
			}
			s.l.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedReceiverSettleMode != nil {
		if rsm := *opts.RequestedReceiverSettleMode; rsm > ReceiverSettleModeSecond {
			return nil, fmt.Errorf("invalid RequestedReceiverSettleMode %d", rsm)
		}
		s.l.receiverSettleMode = opts.RequestedReceiverSettleMode
	}
	if opts.SettlementMode != nil {
		if ssm := *opts.SettlementMode; ssm > SenderSettleModeMixed {
			return nil, fmt.Errorf("invalid SettlementMode %d", ssm)
		}
		s.l.senderSettleMode = opts.SettlementMode
	}
	s.l.source.Address = opts.SourceAddress
	for _, v := range opts.TargetCapabilities {
		s.l.target.Capabilities = append(s.l.target.Capabilities, encoding.Symbol(v))
	}
	if opts.TargetDurability != DurabilityNone {
		s.l.target.Durable = opts.TargetDurability
	}
	if opts.TargetExpiryPolicy != ExpiryPolicySessionEnd {
		s.l.target.ExpiryPolicy = opts.TargetExpiryPolicy
	}
	if opts.TargetExpiryTimeout != 0 {
		s.l.target.Timeout = opts.TargetExpiryTimeout
	}
	return s, nil
}

func (s *Sender) attach(ctx context.Context) error {
	if err := s.l.attach(ctx, func(at *frames.Attach) {
		at.Role = encoding.RoleSender
		if at.Target == nil {
			at.Target = new(encoding.Target)
		}
		at.Target.Dynamic = s.l.dynamicAddr
	}, func(resp *frames.Attach) {
		if s.l.target == nil {
			s.l.target = new(encoding.Target)
		}
		if s.l.dynamicAddr && resp.Target != nil {
			s.l.target.Address = resp.Target.Address
		}
	}); err != nil {
		return err
	}

	s.transfers = make(chan frames.Transfer)

	go s.mux()

	return nil
}

func (s *Sender) mux() {
	defer s.l.muxClose(context.Background(), nil, nil, nil)

Loop:
	for {
		var outgoingTransfers chan frames.Transfer
		if s.availableCredit > 0 {
			debug.Log(1, "TX (Sender) (enable): target: %q, available credit: %d, deliveryCount: %d", s.l.target.Address, s.availableCredit, s.l.deliveryCount)
			outgoingTransfers = s.transfers
		} else {
			debug.Log(1, "TX (Sender) (pause): target: %q, available credit: %d, deliveryCount: %d", s.l.target.Address, s.availableCredit, s.l.deliveryCount)
		}

		handleFrame := func(fr frames.Body) bool {
			if err := s.muxHandleFrame(fr); err != nil {
				s.l.doneErr = err
				return false
			}
			return true
		}

		select {
		case q := <-s.l.rxQ.Wait():
			fr := q.Dequeue()
			s.l.rxQ.Release(q)
			if fr != nil && !handleFrame(*fr) {
				return
			}

		case tr := <-outgoingTransfers:
			for {
				// the session's outgoing window gates the actual send
				// (separate from this link's own credit): when the peer
				// has no room left (remote-incoming-window == 0), this
				// loop waits on windowCh instead of handing the frame off,
				// while still servicing its own rxQ so a Detach/Flow for
				// this link isn't starved in the meantime.
				ready, windowCh := s.l.session.sendWindowReady()
				var txTransfer chan *frames.Transfer
				if ready {
					txTransfer = s.l.session.txTransfer
				}

				select {
				case txTransfer <- &tr:
					if !tr.More {
						s.l.deliveryCount++
						s.availableCredit--
						debug.Log(3, "TX (Sender): link: %s, available credit: %d", s.l.key.name, s.availableCredit)
					}
					continue Loop
				case <-windowCh:
					// session window may have changed; loop around to recheck.
				case q := <-s.l.rxQ.Wait():
					fr := q.Dequeue()
					s.l.rxQ.Release(q)
					if fr != nil && !handleFrame(*fr) {
						return
					}
				case <-s.l.close:
					continue Loop
				case <-s.l.session.done:
					continue Loop
				}
			}

		case <-s.l.close:
			s.l.doneErr = &LinkError{}
			return
		case <-s.l.session.done:
			s.l.doneErr = s.l.session.doneErr
			return
		}
	}
}

// muxHandleFrame processes fr based on type.
func (s *Sender) muxHandleFrame(fr frames.Body) error {
	debug.Log(2, "RX (Sender): %s", fr)
	switch fr := fr.(type) {
	case *frames.Flow:
		linkCredit := *fr.LinkCredit - s.l.deliveryCount
		if fr.DeliveryCount != nil {
			linkCredit += *fr.DeliveryCount
		}
		s.availableCredit = linkCredit

		if !fr.Echo {
			return nil
		}

		deliveryCount := s.l.deliveryCount
		resp := s.l.session.newFlow()
		resp.Handle = &s.l.handle
		resp.DeliveryCount = &deliveryCount
		resp.LinkCredit = &linkCredit
		_ = s.l.session.txFrame(resp, nil)
		return nil

	default:
		return s.l.muxHandleFrame(fr)
	}
}

func (s *Sender) detachOnRejectDisp() bool {
	// only detach on rejection when no RSM was requested or in ModeFirst.
	// in ModeSecond, Send returns the peer's error and the link stays
	// attached.
	if s.closeOnDispositionError && (s.l.receiverSettleMode == nil || *s.l.receiverSettleMode == ReceiverSettleModeFirst) {
		return true
	}
	return false
}
