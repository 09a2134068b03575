package amqp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/amqp1go/amqp1/internal/buffer"
	"github.com/amqp1go/amqp1/internal/debug"
	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/frames"
)

const defaultLinkCredit = 1

// receiverDelivery pairs a reassembled message with the aborted-delivery
// error case, so Receive sees both in the order the mux produced them.
type receiverDelivery struct {
	msg *Message
	err error
}

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	l link

	// manualCreditor disables automatic credit top-up; the caller drives
	// flow control explicitly via IssueCredit.
	manualCreditor bool

	// creditMu guards targetCredit/curCredit, which are mutated both from
	// the link's mux goroutine (muxReceiveTransfer, on each delivery) and
	// from caller goroutines (AcceptMessage et al., via settle).
	creditMu     sync.Mutex
	targetCredit uint32 // steady-state credit this receiver maintains
	curCredit    uint32 // credit believed to remain at the peer

	deliveries chan receiverDelivery // fully-reassembled deliveries (or aborts) awaiting Receive

	unsettledMu sync.Mutex
	unsettled   map[uint32]struct{} // delivery IDs awaiting explicit settlement (RSM=second)

	assembling    bool
	assembledTag  []byte
	assembledID   uint32
	assembledData []byte
}

// LinkName is the name of the link used for this Receiver.
func (r *Receiver) LinkName() string {
	return r.l.key.name
}

// Address returns the link's address.
func (r *Receiver) Address() string {
	if r.l.source == nil {
		return ""
	}
	return r.l.source.Address
}

// MaxMessageSize is the maximum size of a single message.
func (r *Receiver) MaxMessageSize() uint64 {
	return r.l.maxMessageSize
}

// newReceiver creates a new receiving link and attaches it to the session.
func newReceiver(source string, session *Session, opts *ReceiverOptions) (*Receiver, error) {
	r := &Receiver{
		l:            newLink(session, encoding.RoleReceiver),
		targetCredit: defaultLinkCredit,
		deliveries:   make(chan receiverDelivery, 1),
		unsettled:    make(map[uint32]struct{}),
	}
	r.l.source = &encoding.Source{Address: source}
	r.l.target = new(encoding.Target)

	if opts == nil {
		return r, nil
	}

	for _, v := range opts.Capabilities {
		r.l.target.Capabilities = append(r.l.target.Capabilities, encoding.Symbol(v))
	}
	if opts.Credit > 0 {
		r.targetCredit = uint32(opts.Credit)
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	r.l.source.Durable = opts.Durability
	if opts.DynamicAddress {
		r.l.source.Address = ""
		r.l.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		r.l.source.ExpiryPolicy = opts.ExpiryPolicy
	}
	r.l.source.Timeout = opts.ExpiryTimeout
	r.manualCreditor = opts.ManualCredits
	r.l.maxMessageSize = opts.MaxMessageSize
	if opts.Name != "" {
		r.l.key.name = opts.Name
	}
	if opts.Properties != nil {
		r.l.properties = make(map[encoding.Symbol]any)
		for k, v := range opts.Properties {
			r.l.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedSenderSettleMode != nil {
		r.l.senderSettleMode = opts.RequestedSenderSettleMode
	}
	if opts.SettlementMode != nil {
		r.l.receiverSettleMode = opts.SettlementMode
	}
	for _, v := range opts.SourceCapabilities {
		r.l.source.Capabilities = append(r.l.source.Capabilities, encoding.Symbol(v))
	}
	if opts.SourceDurability != DurabilityNone {
		r.l.source.Durable = opts.SourceDurability
	}
	if opts.SourceExpiryPolicy != "" {
		r.l.source.ExpiryPolicy = opts.SourceExpiryPolicy
	}
	if opts.SourceExpiryTimeout != 0 {
		r.l.source.Timeout = opts.SourceExpiryTimeout
	}
	r.l.target.Address = opts.TargetAddress
	return r, nil
}

func (r *Receiver) attach(ctx context.Context) error {
	if err := r.l.attach(ctx, func(at *frames.Attach) {
		at.Role = encoding.RoleReceiver
		if at.Source == nil {
			at.Source = new(encoding.Source)
		}
		at.Source.Dynamic = r.l.dynamicAddr
	}, func(resp *frames.Attach) {
		if r.l.source == nil {
			r.l.source = new(encoding.Source)
		}
		if r.l.dynamicAddr && resp.Source != nil {
			r.l.source.Address = resp.Source.Address
		}
	}); err != nil {
		return err
	}

	go r.mux()

	if !r.manualCreditor {
		r.sendFlow(r.targetCredit)
	}

	return nil
}

// sendFlow grants credit to the peer and records it as outstanding.
func (r *Receiver) sendFlow(credit uint32) {
	atomic.StoreUint32(&r.l.Paused, 0)
	r.creditMu.Lock()
	r.curCredit = credit
	r.creditMu.Unlock()
	deliveryCount := r.l.deliveryCount
	fl := r.l.session.newFlow()
	fl.Handle = &r.l.handle
	fl.DeliveryCount = &deliveryCount
	fl.LinkCredit = &credit
	_ = r.l.session.txFrame(fl, nil)
}

// IssueCredit grants additional link-credit to the peer. Only meaningful
// when the receiver was created with ManualCredits.
func (r *Receiver) IssueCredit(credit uint32) error {
	select {
	case <-r.l.done:
		return r.l.doneErr
	default:
	}
	r.sendFlow(credit)
	return nil
}

func (r *Receiver) mux() {
	defer r.l.muxClose(context.Background(), nil, nil, nil)

	for {
		select {
		case q := <-r.l.rxQ.Wait():
			fr := q.Dequeue()
			r.l.rxQ.Release(q)
			if fr == nil {
				continue
			}
			if err := r.muxHandleFrame(*fr); err != nil {
				r.l.doneErr = err
				return
			}
		case <-r.l.close:
			r.l.doneErr = &LinkError{}
			return
		case <-r.l.session.done:
			r.l.doneErr = r.l.session.doneErr
			return
		}
	}
}

func (r *Receiver) muxHandleFrame(fr frames.Body) error {
	debug.Log(2, "RX (Receiver): %s", fr)
	switch fr := fr.(type) {
	case *frames.Flow:
		if fr.Echo {
			resp := r.l.session.newFlow()
			resp.Handle = &r.l.handle
			deliveryCount := r.l.deliveryCount
			resp.DeliveryCount = &deliveryCount
			r.creditMu.Lock()
			credit := r.curCredit
			r.creditMu.Unlock()
			resp.LinkCredit = &credit
			_ = r.l.session.txFrame(resp, nil)
		}
		return nil

	case *frames.Transfer:
		return r.muxReceiveTransfer(fr)

	default:
		return r.l.muxHandleFrame(fr)
	}
}

func (r *Receiver) muxReceiveTransfer(fr *frames.Transfer) error {
	if !r.assembling {
		r.assembling = true
		r.assembledTag = fr.DeliveryTag
		if fr.DeliveryID != nil {
			r.assembledID = *fr.DeliveryID
		}
		r.assembledData = nil
	}
	r.assembledData = append(r.assembledData, fr.Payload...)

	if fr.Aborted {
		// The partial payload accumulated so far is discarded outright;
		// the delivery is considered settled without a disposition round
		// trip, and the application sees a distinct error rather than a
		// truncated message.
		r.assembling = false
		r.assembledData = nil
		r.l.deliveryCount++
		r.creditMu.Lock()
		if r.curCredit > 0 {
			r.curCredit--
		}
		r.creditMu.Unlock()

		r.unsettledMu.Lock()
		delete(r.unsettled, r.assembledID)
		r.unsettledMu.Unlock()
		r.maybeReplenish()

		select {
		case r.deliveries <- receiverDelivery{err: &AbortedError{}}:
		case <-r.l.close:
		case <-r.l.session.done:
		}

		// read credit again: maybeReplenish above may have topped it up.
		r.creditMu.Lock()
		curCredit := r.curCredit
		r.creditMu.Unlock()
		if !r.manualCreditor && curCredit == 0 {
			atomic.StoreUint32(&r.l.Paused, 1)
		}
		return nil
	}

	if fr.More {
		return nil
	}

	r.assembling = false
	r.l.deliveryCount++
	r.creditMu.Lock()
	if r.curCredit > 0 {
		r.curCredit--
	}
	r.creditMu.Unlock()

	msg := &Message{DeliveryTag: r.assembledTag, deliveryID: r.assembledID, rcvd: r}
	if err := msg.Unmarshal(buffer.New(r.assembledData)); err != nil {
		return fmt.Errorf("amqp: decoding received message: %w", err)
	}

	settleMode := receiverSettleModeValue(r.l.receiverSettleMode)
	if settleMode == ReceiverSettleModeSecond {
		r.unsettledMu.Lock()
		r.unsettled[msg.deliveryID] = struct{}{}
		r.unsettledMu.Unlock()
	} else {
		msg.settled = true
		r.settle(msg.deliveryID, &encoding.StateAccepted{})
	}

	// Manual-credit callers can have more deliveries in flight than the
	// channel's buffer, so this may block until Receive drains it; still
	// select on close/done so a caller that stops calling Receive doesn't
	// wedge shutdown.
	select {
	case r.deliveries <- receiverDelivery{msg: msg}:
	case <-r.l.close:
	case <-r.l.session.done:
	}

	// read credit again: settle may have topped it up (RSM=first).
	r.creditMu.Lock()
	curCredit := r.curCredit
	r.creditMu.Unlock()
	if !r.manualCreditor && curCredit == 0 {
		atomic.StoreUint32(&r.l.Paused, 1)
	}
	return nil
}

// Receive waits for and returns the next message, blocking until one
// arrives, ctx is done, or the link terminates.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	select {
	case d := <-r.deliveries:
		return d.msg, d.err
	case <-r.l.done:
		return nil, r.l.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// maybeReplenish tops credit back up to targetCredit once it has been
// drawn down, unless the caller manages credit manually.
func (r *Receiver) maybeReplenish() {
	if r.manualCreditor {
		return
	}
	select {
	case <-r.l.done:
		return
	default:
	}
	r.creditMu.Lock()
	low := r.curCredit < r.targetCredit
	target := r.targetCredit
	r.creditMu.Unlock()
	if low {
		r.sendFlow(target)
	}
}

func (r *Receiver) countUnsettled() int {
	r.unsettledMu.Lock()
	defer r.unsettledMu.Unlock()
	return len(r.unsettled)
}

// settle sends a Disposition for id with the given state and, for
// RSM=second deliveries, resolves the local unsettled-count immediately;
// this client decides the outcome and reports it, rather than blocking
// Accept/Reject/Release/Modify on the peer's confirmation round trip.
func (r *Receiver) settle(id uint32, state encoding.DeliveryState) {
	r.unsettledMu.Lock()
	delete(r.unsettled, id)
	r.unsettledMu.Unlock()

	_ = r.l.session.txFrame(&frames.Disposition{
		Role:    encoding.RoleReceiver,
		First:   id,
		Settled: true,
		State:   state,
	}, nil)

	// credit is only replenished once the delivery it was spent on has
	// actually been settled: immediately here for RSM=first (settle is
	// called inline from muxReceiveTransfer), or once the caller explicitly
	// disposes the message for RSM=second.
	r.maybeReplenish()
}

// AcceptMessage notifies the sender that msg was successfully processed.
func (r *Receiver) AcceptMessage(ctx context.Context, msg *Message) error {
	return r.disposeMessage(ctx, msg, &encoding.StateAccepted{})
}

// RejectMessage notifies the sender that msg is invalid and should not be
// redelivered.
func (r *Receiver) RejectMessage(ctx context.Context, msg *Message, rejErr *encoding.Error) error {
	return r.disposeMessage(ctx, msg, &encoding.StateRejected{Error: rejErr})
}

// ReleaseMessage notifies the sender that msg was not processed and
// releases it back for possible redelivery.
func (r *Receiver) ReleaseMessage(ctx context.Context, msg *Message) error {
	return r.disposeMessage(ctx, msg, &encoding.StateReleased{})
}

// ModifyMessage notifies the sender that msg was not processed and
// requests the given modifications before redelivery.
func (r *Receiver) ModifyMessage(ctx context.Context, msg *Message, deliveryFailed, undeliverableHere bool, annotations map[string]any) error {
	var ann encoding.Annotations
	if len(annotations) > 0 {
		ann = make(encoding.Annotations, len(annotations))
		for k, v := range annotations {
			ann[encoding.Symbol(k)] = v
		}
	}
	return r.disposeMessage(ctx, msg, &encoding.StateModified{
		DeliveryFailed:    deliveryFailed,
		UndeliverableHere: undeliverableHere,
		MessageAnnotations: ann,
	})
}

func (r *Receiver) disposeMessage(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	if msg.settled {
		return nil
	}
	select {
	case <-r.l.done:
		return r.l.doneErr
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg.settled = true
	r.settle(msg.deliveryID, state)
	return nil
}

// Close closes the Receiver and AMQP link.
func (r *Receiver) Close(ctx context.Context) error {
	return r.l.closeLink(ctx)
}
