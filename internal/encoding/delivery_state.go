package encoding

import "github.com/amqp1go/amqp1/internal/buffer"

// DeliveryState is implemented by every terminal/non-terminal outcome a
// disposition or transfer can carry: received, accepted, rejected,
// released, modified, declared, transactional-state.
type DeliveryState interface {
	Marshaler
	Unmarshaler
	isDeliveryState()
}

// StateReceived indicates partial transfer progress has been recorded,
// used when resuming a link.
type StateReceived struct {
	SectionNumber uint32
	SectionOffset uint64
}

func (*StateReceived) isDeliveryState() {}

func (s *StateReceived) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReceived, []MarshalField{
		{Value: &s.SectionNumber},
		{Value: &s.SectionOffset},
	})
}

func (s *StateReceived) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReceived,
		UnmarshalField{Field: &s.SectionNumber},
		UnmarshalField{Field: &s.SectionOffset},
	)
}

// StateAccepted is the terminal "accepted" outcome.
type StateAccepted struct{}

func (*StateAccepted) isDeliveryState() {}

func (s *StateAccepted) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateAccepted, nil)
}

func (s *StateAccepted) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateAccepted)
}

// StateRejected is the terminal "rejected" outcome, optionally carrying
// the error that caused the rejection.
type StateRejected struct {
	Error *Error
}

func (*StateRejected) isDeliveryState() {}

func (s *StateRejected) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected, []MarshalField{
		{Value: s.Error, Omit: s.Error == nil},
	})
}

func (s *StateRejected) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateRejected,
		UnmarshalField{Field: &s.Error},
	)
}

// StateReleased is the terminal "released" outcome: the message was not
// processed and no modification was made.
type StateReleased struct{}

func (*StateReleased) isDeliveryState() {}

func (s *StateReleased) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReleased, nil)
}

func (s *StateReleased) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReleased)
}

// StateModified is the terminal "modified" outcome: the message was not
// processed but the sender is asked to alter its annotations/mark it
// undeliverable/failed.
type StateModified struct {
	DeliveryFailed    bool
	UndeliverableHere bool
	MessageAnnotations Annotations
}

func (*StateModified) isDeliveryState() {}

func (s *StateModified) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []MarshalField{
		{Value: &s.DeliveryFailed, Omit: !s.DeliveryFailed},
		{Value: &s.UndeliverableHere, Omit: !s.UndeliverableHere},
		{Value: s.MessageAnnotations, Omit: len(s.MessageAnnotations) == 0},
	})
}

func (s *StateModified) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateModified,
		UnmarshalField{Field: &s.DeliveryFailed},
		UnmarshalField{Field: &s.UndeliverableHere},
		UnmarshalField{Field: &s.MessageAnnotations},
	)
}

// StateDeclared is returned by the transaction coordinator in response to
// a declare, carrying the assigned transaction ID.
type StateDeclared struct {
	TransactionID []byte
}

func (*StateDeclared) isDeliveryState() {}

func (s *StateDeclared) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDeclared, []MarshalField{
		{Value: &s.TransactionID},
	})
}

func (s *StateDeclared) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDeclared,
		UnmarshalField{Field: &s.TransactionID},
	)
}

// StateTransactional wraps a terminal outcome with the transaction ID it
// is scoped to, used on transfers/dispositions inside a transaction.
type StateTransactional struct {
	TransactionID []byte
	Outcome       DeliveryState
}

func (*StateTransactional) isDeliveryState() {}

func (s *StateTransactional) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTransactionalState, []MarshalField{
		{Value: &s.TransactionID},
		{Value: s.Outcome, Omit: s.Outcome == nil},
	})
}

func (s *StateTransactional) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeTransactionalState,
		UnmarshalField{Field: &s.TransactionID},
		UnmarshalField{Field: &s.Outcome},
	)
}

// registerDeliveryStateDecoder registers a DeliveryState's Unmarshal
// method directly with the described-type registry. The registry always
// calls decoders with the descriptor already consumed, which is exactly
// the list-body-only contract UnmarshalComposite (and so every
// DeliveryState.Unmarshal method) expects.
func registerDeliveryStateDecoder(code TypeCode, newState func() DeliveryState) {
	RegisterDescribedType(uint64(code), func(r *buffer.Buffer) (any, error) {
		s := newState()
		if err := s.Unmarshal(r); err != nil {
			return nil, err
		}
		return s, nil
	})
}

func init() {
	registerDeliveryStateDecoder(TypeCodeStateReceived, func() DeliveryState { return new(StateReceived) })
	registerDeliveryStateDecoder(TypeCodeStateAccepted, func() DeliveryState { return new(StateAccepted) })
	registerDeliveryStateDecoder(TypeCodeStateRejected, func() DeliveryState { return new(StateRejected) })
	registerDeliveryStateDecoder(TypeCodeStateReleased, func() DeliveryState { return new(StateReleased) })
	registerDeliveryStateDecoder(TypeCodeStateModified, func() DeliveryState { return new(StateModified) })
	registerDeliveryStateDecoder(TypeCodeDeclared, func() DeliveryState { return new(StateDeclared) })
	registerDeliveryStateDecoder(TypeCodeTransactionalState, func() DeliveryState { return new(StateTransactional) })
}
