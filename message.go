package amqp

import (
	"fmt"

	"github.com/amqp1go/amqp1/internal/buffer"
	"github.com/amqp1go/amqp1/internal/encoding"
)

// MessageHeader carries transfer-specific fields about a message, such as
// its durability and priority, that are not part of the application's
// payload.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           uint32 // milliseconds
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageHeader, []encoding.MarshalField{
		{Value: h.Durable, Omit: !h.Durable},
		{Value: h.Priority, Omit: h.Priority == 0},
		{Value: h.TTL, Omit: h.TTL == 0},
		{Value: h.FirstAcquirer, Omit: !h.FirstAcquirer},
		{Value: h.DeliveryCount, Omit: h.DeliveryCount == 0},
	})
}

func (h *MessageHeader) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageHeader,
		encoding.UnmarshalField{Field: &h.Durable},
		encoding.UnmarshalField{Field: &h.Priority},
		encoding.UnmarshalField{Field: &h.TTL},
		encoding.UnmarshalField{Field: &h.FirstAcquirer},
		encoding.UnmarshalField{Field: &h.DeliveryCount},
	)
}

// MessageProperties carries the immutable application-addressable
// properties of a message.
type MessageProperties struct {
	MessageID          any
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      any
	ContentType        string
	ContentEncoding    string
	AbsoluteExpiryTime encoding.Milliseconds
	CreationTime       encoding.Milliseconds
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

func (p *MessageProperties) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageProperties, []encoding.MarshalField{
		{Value: p.MessageID, Omit: p.MessageID == nil},
		{Value: p.UserID, Omit: len(p.UserID) == 0},
		{Value: p.To, Omit: p.To == ""},
		{Value: p.Subject, Omit: p.Subject == ""},
		{Value: p.ReplyTo, Omit: p.ReplyTo == ""},
		{Value: p.CorrelationID, Omit: p.CorrelationID == nil},
		{Value: p.ContentType, Omit: p.ContentType == ""},
		{Value: p.ContentEncoding, Omit: p.ContentEncoding == ""},
		{Value: p.AbsoluteExpiryTime, Omit: p.AbsoluteExpiryTime == 0},
		{Value: p.CreationTime, Omit: p.CreationTime == 0},
		{Value: p.GroupID, Omit: p.GroupID == ""},
		{Value: p.GroupSequence, Omit: p.GroupSequence == 0},
		{Value: p.ReplyToGroupID, Omit: p.ReplyToGroupID == ""},
	})
}

func (p *MessageProperties) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageProperties,
		encoding.UnmarshalField{Field: &p.MessageID},
		encoding.UnmarshalField{Field: &p.UserID},
		encoding.UnmarshalField{Field: &p.To},
		encoding.UnmarshalField{Field: &p.Subject},
		encoding.UnmarshalField{Field: &p.ReplyTo},
		encoding.UnmarshalField{Field: &p.CorrelationID},
		encoding.UnmarshalField{Field: &p.ContentType},
		encoding.UnmarshalField{Field: &p.ContentEncoding},
		encoding.UnmarshalField{Field: &p.AbsoluteExpiryTime},
		encoding.UnmarshalField{Field: &p.CreationTime},
		encoding.UnmarshalField{Field: &p.GroupID},
		encoding.UnmarshalField{Field: &p.GroupSequence},
		encoding.UnmarshalField{Field: &p.ReplyToGroupID},
	)
}

// Message is a single AMQP message: the envelope of optional sections
// carried by a transfer, plus the delivery-level fields needed to send or
// acknowledge it.
//
// Exactly one of Data, Sequence, or Value should be set; Data is the
// common case of an opaque byte-string body, optionally split across
// multiple data sections.
type Message struct {
	// Header carries transfer-level metadata (durability, TTL, priority).
	Header *MessageHeader

	// DeliveryAnnotations are per-hop routing annotations.
	DeliveryAnnotations encoding.Annotations

	// Annotations are message annotations that travel end to end.
	Annotations encoding.Annotations

	// Properties carries the immutable application-facing properties.
	Properties *MessageProperties

	// ApplicationProperties are application-defined key/value pairs.
	ApplicationProperties map[string]any

	// Data holds one or more opaque binary body sections.
	Data [][]byte

	// Sequence holds one or more amqp-sequence body sections.
	Sequence [][]any

	// Value holds a single amqp-value body section. Mutually exclusive
	// with Data and Sequence.
	Value any

	// Footer carries trailing annotations appended after the body.
	Footer encoding.Annotations

	// DeliveryTag uniquely identifies the delivery within the link. If left
	// empty, Sender.Send uses the sender's next sequence number, encoded as
	// 8 big-endian bytes.
	DeliveryTag []byte

	// Format is the message-format field of the transfer performative.
	Format uint32

	// SendSettled requests the transfer be sent pre-settled when the
	// sender's settlement mode is Mixed.
	SendSettled bool

	// deliveryID and settled are populated by the receiver on arrival so
	// Receiver.AcceptMessage/RejectMessage/etc. can reference the delivery
	// without the caller having to track it separately.
	deliveryID uint32
	settled    bool
	rcvd       *Receiver
}

// Marshal encodes the message's section envelope into wr.
func (m *Message) Marshal(wr *buffer.Buffer) error {
	if m.Header != nil {
		if err := m.Header.Marshal(wr); err != nil {
			return err
		}
	}
	if len(m.DeliveryAnnotations) > 0 {
		if err := marshalAnnotations(wr, encoding.TypeCodeDeliveryAnnotations, m.DeliveryAnnotations); err != nil {
			return err
		}
	}
	if len(m.Annotations) > 0 {
		if err := marshalAnnotations(wr, encoding.TypeCodeMessageAnnotations, m.Annotations); err != nil {
			return err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.Marshal(wr); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeApplicationProperties, []encoding.MarshalField{
			{Value: m.ApplicationProperties},
		}); err != nil {
			return err
		}
	}
	// Data and AMQPValue carry a single restricted value (binary, and any
	// respectively) directly after their descriptor, not a list; only
	// AMQPSequence's restricted value happens to itself be a list, so it's
	// the one body section still shaped like a composite.
	switch {
	case m.Value != nil:
		encoding.WriteDescriptor(wr, encoding.TypeCodeAMQPValue)
		if err := encoding.Marshal(wr, m.Value); err != nil {
			return err
		}
	case len(m.Sequence) > 0:
		for _, seq := range m.Sequence {
			if err := encoding.MarshalComposite(wr, encoding.TypeCodeAMQPSequence, []encoding.MarshalField{{Value: seq}}); err != nil {
				return err
			}
		}
	default:
		for _, data := range m.Data {
			encoding.WriteDescriptor(wr, encoding.TypeCodeApplicationData)
			if err := encoding.WriteBinary(wr, data); err != nil {
				return err
			}
		}
	}
	if len(m.Footer) > 0 {
		if err := marshalAnnotations(wr, encoding.TypeCodeFooter, m.Footer); err != nil {
			return err
		}
	}
	return nil
}

func marshalAnnotations(wr *buffer.Buffer, code encoding.TypeCode, a encoding.Annotations) error {
	return encoding.MarshalComposite(wr, code, []encoding.MarshalField{{Value: map[any]any(a)}})
}

// Unmarshal decodes a message's section envelope from r, which must
// contain exactly the sections carried by one or more transfer payloads
// (already reassembled for a multi-frame delivery).
func (m *Message) Unmarshal(r *buffer.Buffer) error {
	for r.Len() > 0 {
		// each section is itself a described type; consume its descriptor
		// here so the section's own Unmarshal (or UnmarshalComposite call
		// below) only ever sees the list body, same as every other
		// described type in the engine.
		code, err := encoding.ReadDescriptor(r)
		if err != nil {
			return fmt.Errorf("amqp: decoding message section: %w", err)
		}
		switch code {
		case encoding.TypeCodeMessageHeader:
			m.Header = new(MessageHeader)
			if err := m.Header.Unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeDeliveryAnnotations:
			ann := make(map[any]any)
			if err := encoding.UnmarshalComposite(r, code, encoding.UnmarshalField{Field: &ann}); err != nil {
				return err
			}
			m.DeliveryAnnotations = ann
		case encoding.TypeCodeMessageAnnotations:
			ann := make(map[any]any)
			if err := encoding.UnmarshalComposite(r, code, encoding.UnmarshalField{Field: &ann}); err != nil {
				return err
			}
			m.Annotations = ann
		case encoding.TypeCodeMessageProperties:
			m.Properties = new(MessageProperties)
			if err := m.Properties.Unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeApplicationProperties:
			props := make(map[string]any)
			if err := encoding.UnmarshalComposite(r, code, encoding.UnmarshalField{Field: &props}); err != nil {
				return err
			}
			m.ApplicationProperties = props
		case encoding.TypeCodeApplicationData:
			v, err := encoding.ReadAny(r)
			if err != nil {
				return err
			}
			data, _ := v.([]byte)
			m.Data = append(m.Data, data)
		case encoding.TypeCodeAMQPSequence:
			var seq []any
			if err := encoding.UnmarshalComposite(r, code, encoding.UnmarshalField{Field: &seq}); err != nil {
				return err
			}
			m.Sequence = append(m.Sequence, seq)
		case encoding.TypeCodeAMQPValue:
			v, err := encoding.ReadAny(r)
			if err != nil {
				return err
			}
			m.Value = v
		case encoding.TypeCodeFooter:
			ann := make(map[any]any)
			if err := encoding.UnmarshalComposite(r, code, encoding.UnmarshalField{Field: &ann}); err != nil {
				return err
			}
			m.Footer = ann
		default:
			return fmt.Errorf("amqp: unrecognized message section descriptor %s", code)
		}
	}
	return nil
}
