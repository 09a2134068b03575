package frames

import (
	"errors"
	"fmt"
	"time"

	"github.com/amqp1go/amqp1/internal/buffer"
	"github.com/amqp1go/amqp1/internal/encoding"
)

// Body is implemented by every AMQP performative (the body of an AMQP
// frame) and every SASL performative (the body of a SASL frame).
type Body interface {
	encoding.Marshaler
	encoding.Unmarshaler
	frameBody()
}

// Open is the first performative exchanged on a connection.
type Open struct {
	ContainerID         string // required
	Hostname            string
	MaxFrameSize        uint32
	ChannelMax          uint16
	IdleTimeout         time.Duration
	OutgoingLocales     encoding.MultiSymbol
	IncomingLocales     encoding.MultiSymbol
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]any
}

func (*Open) frameBody() {}

func (o *Open) String() string {
	return fmt.Sprintf("Open{ContainerID: %s, Hostname: %s, MaxFrameSize: %d, ChannelMax: %d, IdleTimeout: %v}",
		o.ContainerID, o.Hostname, o.MaxFrameSize, o.ChannelMax, o.IdleTimeout)
}

func (o *Open) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeOpen, []encoding.MarshalField{
		{Value: &o.ContainerID},
		{Value: &o.Hostname, Omit: o.Hostname == ""},
		{Value: &o.MaxFrameSize, Omit: o.MaxFrameSize == 4294967295},
		{Value: &o.ChannelMax, Omit: o.ChannelMax == 65535},
		{Value: uint32(o.IdleTimeout / time.Millisecond), Omit: o.IdleTimeout == 0},
		{Value: &o.OutgoingLocales, Omit: len(o.OutgoingLocales) == 0},
		{Value: &o.IncomingLocales, Omit: len(o.IncomingLocales) == 0},
		{Value: &o.OfferedCapabilities, Omit: len(o.OfferedCapabilities) == 0},
		{Value: &o.DesiredCapabilities, Omit: len(o.DesiredCapabilities) == 0},
		{Value: o.Properties, Omit: len(o.Properties) == 0},
	})
}

func (o *Open) Unmarshal(r *buffer.Buffer) error {
	var idleMS uint32
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeOpen,
		encoding.UnmarshalField{Field: &o.ContainerID, HandleNull: func() error { return errors.New("frames: Open.ContainerID is required") }},
		encoding.UnmarshalField{Field: &o.Hostname},
		encoding.UnmarshalField{Field: &o.MaxFrameSize, HandleNull: func() error { o.MaxFrameSize = 4294967295; return nil }},
		encoding.UnmarshalField{Field: &o.ChannelMax, HandleNull: func() error { o.ChannelMax = 65535; return nil }},
		encoding.UnmarshalField{Field: &idleMS},
		encoding.UnmarshalField{Field: &o.OutgoingLocales},
		encoding.UnmarshalField{Field: &o.IncomingLocales},
		encoding.UnmarshalField{Field: &o.OfferedCapabilities},
		encoding.UnmarshalField{Field: &o.DesiredCapabilities},
		encoding.UnmarshalField{Field: &o.Properties},
	)
	if err != nil {
		return err
	}
	o.IdleTimeout = time.Duration(idleMS) * time.Millisecond
	return nil
}

// Begin opens a session on a channel.
type Begin struct {
	RemoteChannel       *uint16
	NextOutgoingID      uint32
	IncomingWindow      uint32
	OutgoingWindow      uint32
	HandleMax           uint32
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]any
}

func (*Begin) frameBody() {}

func (b *Begin) String() string {
	return fmt.Sprintf("Begin{RemoteChannel: %v, NextOutgoingID: %d, IncomingWindow: %d, OutgoingWindow: %d, HandleMax: %d}",
		formatUint16Ptr(b.RemoteChannel), b.NextOutgoingID, b.IncomingWindow, b.OutgoingWindow, b.HandleMax)
}

func formatUint16Ptr(p *uint16) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *p)
}

func formatUint32Ptr(p *uint32) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *p)
}

func (b *Begin) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeBegin, []encoding.MarshalField{
		{Value: b.RemoteChannel, Omit: b.RemoteChannel == nil},
		{Value: &b.NextOutgoingID},
		{Value: &b.IncomingWindow},
		{Value: &b.OutgoingWindow},
		{Value: &b.HandleMax, Omit: b.HandleMax == 4294967295},
		{Value: &b.OfferedCapabilities, Omit: len(b.OfferedCapabilities) == 0},
		{Value: &b.DesiredCapabilities, Omit: len(b.DesiredCapabilities) == 0},
		{Value: b.Properties, Omit: len(b.Properties) == 0},
	})
}

func (b *Begin) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeBegin,
		encoding.UnmarshalField{Field: &b.RemoteChannel},
		encoding.UnmarshalField{Field: &b.NextOutgoingID, HandleNull: func() error { return errors.New("frames: Begin.NextOutgoingID is required") }},
		encoding.UnmarshalField{Field: &b.IncomingWindow, HandleNull: func() error { return errors.New("frames: Begin.IncomingWindow is required") }},
		encoding.UnmarshalField{Field: &b.OutgoingWindow, HandleNull: func() error { return errors.New("frames: Begin.OutgoingWindow is required") }},
		encoding.UnmarshalField{Field: &b.HandleMax, HandleNull: func() error { b.HandleMax = 4294967295; return nil }},
		encoding.UnmarshalField{Field: &b.OfferedCapabilities},
		encoding.UnmarshalField{Field: &b.DesiredCapabilities},
		encoding.UnmarshalField{Field: &b.Properties},
	)
}

// Attach establishes a link on a session.
type Attach struct {
	Name                  string
	Handle                uint32
	Role                  encoding.Role
	SenderSettleMode      *encoding.SenderSettleMode
	ReceiverSettleMode    *encoding.ReceiverSettleMode
	Source                *encoding.Source
	Target                *encoding.Target
	Coordinator           *encoding.Coordinator
	Unsettled             map[string]any
	IncompleteUnsettled   bool
	InitialDeliveryCount  uint32
	MaxMessageSize        uint64
	OfferedCapabilities   encoding.MultiSymbol
	DesiredCapabilities   encoding.MultiSymbol
	Properties            map[encoding.Symbol]any
}

func (*Attach) frameBody() {}

func (a *Attach) String() string {
	return fmt.Sprintf("Attach{Name: %s, Handle: %d, Role: %s, Source: %v, Target: %v}",
		a.Name, a.Handle, a.Role, a.Source, a.Target)
}

// target returns whichever of Target/Coordinator is set, for marshaling
// the attach's polymorphic "target" field.
func (a *Attach) target() encoding.Marshaler {
	if a.Coordinator != nil {
		return a.Coordinator
	}
	if a.Target != nil {
		return a.Target
	}
	return nil
}

func (a *Attach) Marshal(wr *buffer.Buffer) error {
	target := a.target()
	var targetVal any
	if target != nil {
		targetVal = target
	}
	return encoding.MarshalComposite(wr, encoding.TypeCodeAttach, []encoding.MarshalField{
		{Value: &a.Name},
		{Value: &a.Handle},
		{Value: &a.Role},
		{Value: a.SenderSettleMode, Omit: a.SenderSettleMode == nil},
		{Value: a.ReceiverSettleMode, Omit: a.ReceiverSettleMode == nil},
		{Value: a.Source, Omit: a.Source == nil},
		{Value: targetVal, Omit: target == nil},
		{Value: a.Unsettled, Omit: len(a.Unsettled) == 0},
		{Value: &a.IncompleteUnsettled, Omit: !a.IncompleteUnsettled},
		{Value: &a.InitialDeliveryCount, Omit: a.Role == encoding.RoleReceiver},
		{Value: &a.MaxMessageSize, Omit: a.MaxMessageSize == 0},
		{Value: &a.OfferedCapabilities, Omit: len(a.OfferedCapabilities) == 0},
		{Value: &a.DesiredCapabilities, Omit: len(a.DesiredCapabilities) == 0},
		{Value: a.Properties, Omit: len(a.Properties) == 0},
	})
}

func (a *Attach) Unmarshal(r *buffer.Buffer) error {
	var target any
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeAttach,
		encoding.UnmarshalField{Field: &a.Name, HandleNull: func() error { return errors.New("frames: Attach.Name is required") }},
		encoding.UnmarshalField{Field: &a.Handle, HandleNull: func() error { return errors.New("frames: Attach.Handle is required") }},
		encoding.UnmarshalField{Field: &a.Role, HandleNull: func() error { return errors.New("frames: Attach.Role is required") }},
		encoding.UnmarshalField{Field: &a.SenderSettleMode},
		encoding.UnmarshalField{Field: &a.ReceiverSettleMode},
		encoding.UnmarshalField{Field: &a.Source},
		encoding.UnmarshalField{Field: &target},
		encoding.UnmarshalField{Field: &a.Unsettled},
		encoding.UnmarshalField{Field: &a.IncompleteUnsettled},
		encoding.UnmarshalField{Field: &a.InitialDeliveryCount},
		encoding.UnmarshalField{Field: &a.MaxMessageSize},
		encoding.UnmarshalField{Field: &a.OfferedCapabilities},
		encoding.UnmarshalField{Field: &a.DesiredCapabilities},
		encoding.UnmarshalField{Field: &a.Properties},
	)
	if err != nil {
		return err
	}
	switch t := target.(type) {
	case *encoding.Target:
		a.Target = t
	case *encoding.Coordinator:
		a.Coordinator = t
	}
	return nil
}

// Flow carries session- and link-level flow control state.
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[encoding.Symbol]any
}

func (*Flow) frameBody() {}

func (f *Flow) String() string {
	return fmt.Sprintf("Flow{NextIncomingID: %s, IncomingWindow: %d, NextOutgoingID: %d, OutgoingWindow: %d, Handle: %s, LinkCredit: %s, Drain: %t, Echo: %t}",
		formatUint32Ptr(f.NextIncomingID), f.IncomingWindow, f.NextOutgoingID, f.OutgoingWindow,
		formatUint32Ptr(f.Handle), formatUint32Ptr(f.LinkCredit), f.Drain, f.Echo)
}

func (f *Flow) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeFlow, []encoding.MarshalField{
		{Value: f.NextIncomingID, Omit: f.NextIncomingID == nil},
		{Value: &f.IncomingWindow},
		{Value: &f.NextOutgoingID},
		{Value: &f.OutgoingWindow},
		{Value: f.Handle, Omit: f.Handle == nil},
		{Value: f.DeliveryCount, Omit: f.DeliveryCount == nil},
		{Value: f.LinkCredit, Omit: f.LinkCredit == nil},
		{Value: f.Available, Omit: f.Available == nil},
		{Value: &f.Drain, Omit: !f.Drain},
		{Value: &f.Echo, Omit: !f.Echo},
		{Value: f.Properties, Omit: len(f.Properties) == 0},
	})
}

func (f *Flow) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeFlow,
		encoding.UnmarshalField{Field: &f.NextIncomingID},
		encoding.UnmarshalField{Field: &f.IncomingWindow, HandleNull: func() error { return errors.New("frames: Flow.IncomingWindow is required") }},
		encoding.UnmarshalField{Field: &f.NextOutgoingID, HandleNull: func() error { return errors.New("frames: Flow.NextOutgoingID is required") }},
		encoding.UnmarshalField{Field: &f.OutgoingWindow, HandleNull: func() error { return errors.New("frames: Flow.OutgoingWindow is required") }},
		encoding.UnmarshalField{Field: &f.Handle},
		encoding.UnmarshalField{Field: &f.DeliveryCount},
		encoding.UnmarshalField{Field: &f.LinkCredit},
		encoding.UnmarshalField{Field: &f.Available},
		encoding.UnmarshalField{Field: &f.Drain},
		encoding.UnmarshalField{Field: &f.Echo},
		encoding.UnmarshalField{Field: &f.Properties},
	)
}

// Transfer carries message payload (or a continuation of it) on a link.
type Transfer struct {
	Handle             uint32
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *encoding.ReceiverSettleMode
	State              encoding.DeliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool
	Payload            []byte

	// Done, if set, is closed once the transfer's fate (network write, or
	// settlement) is known; used by the sender to implement send futures.
	Done chan encoding.DeliveryState
}

func (*Transfer) frameBody() {}

func (t *Transfer) String() string {
	return fmt.Sprintf("Transfer{Handle: %d, DeliveryID: %s, Settled: %t, More: %t, Payload[size]: %d}",
		t.Handle, formatUint32Ptr(t.DeliveryID), t.Settled, t.More, len(t.Payload))
}

func (t *Transfer) Marshal(wr *buffer.Buffer) error {
	err := encoding.MarshalComposite(wr, encoding.TypeCodeTransfer, []encoding.MarshalField{
		{Value: &t.Handle},
		{Value: t.DeliveryID, Omit: t.DeliveryID == nil},
		{Value: &t.DeliveryTag, Omit: len(t.DeliveryTag) == 0},
		{Value: t.MessageFormat, Omit: t.MessageFormat == nil},
		{Value: &t.Settled, Omit: !t.Settled},
		{Value: &t.More, Omit: !t.More},
		{Value: t.ReceiverSettleMode, Omit: t.ReceiverSettleMode == nil},
		{Value: t.State, Omit: t.State == nil},
		{Value: &t.Resume, Omit: !t.Resume},
		{Value: &t.Aborted, Omit: !t.Aborted},
		{Value: &t.Batchable, Omit: !t.Batchable},
	})
	if err != nil {
		return err
	}
	wr.Write(t.Payload)
	return nil
}

func (t *Transfer) Unmarshal(r *buffer.Buffer) error {
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeTransfer,
		encoding.UnmarshalField{Field: &t.Handle, HandleNull: func() error { return errors.New("frames: Transfer.Handle is required") }},
		encoding.UnmarshalField{Field: &t.DeliveryID},
		encoding.UnmarshalField{Field: &t.DeliveryTag},
		encoding.UnmarshalField{Field: &t.MessageFormat},
		encoding.UnmarshalField{Field: &t.Settled},
		encoding.UnmarshalField{Field: &t.More},
		encoding.UnmarshalField{Field: &t.ReceiverSettleMode},
		encoding.UnmarshalField{Field: &t.State},
		encoding.UnmarshalField{Field: &t.Resume},
		encoding.UnmarshalField{Field: &t.Aborted},
		encoding.UnmarshalField{Field: &t.Batchable},
	)
	if err != nil {
		return err
	}
	t.Payload = append([]byte(nil), r.Peek()...)
	return nil
}

// Disposition communicates settlement/state for a range of deliveries.
type Disposition struct {
	Role      encoding.Role
	First     uint32
	Last      *uint32
	Settled   bool
	State     encoding.DeliveryState
	Batchable bool
}

func (*Disposition) frameBody() {}

func (d *Disposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Last: %s, Settled: %t, State: %v}",
		d.Role, d.First, formatUint32Ptr(d.Last), d.Settled, d.State)
}

func (d *Disposition) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDisposition, []encoding.MarshalField{
		{Value: &d.Role},
		{Value: &d.First},
		{Value: d.Last, Omit: d.Last == nil},
		{Value: &d.Settled, Omit: !d.Settled},
		{Value: d.State, Omit: d.State == nil},
		{Value: &d.Batchable, Omit: !d.Batchable},
	})
}

func (d *Disposition) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDisposition,
		encoding.UnmarshalField{Field: &d.Role, HandleNull: func() error { return errors.New("frames: Disposition.Role is required") }},
		encoding.UnmarshalField{Field: &d.First, HandleNull: func() error { return errors.New("frames: Disposition.First is required") }},
		encoding.UnmarshalField{Field: &d.Last},
		encoding.UnmarshalField{Field: &d.Settled},
		encoding.UnmarshalField{Field: &d.State},
		encoding.UnmarshalField{Field: &d.Batchable},
	)
}

// Detach tears down a link, optionally for good (Closed).
type Detach struct {
	Handle uint32
	Closed bool
	Error  *encoding.Error
}

func (*Detach) frameBody() {}

func (d *Detach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}", d.Handle, d.Closed, d.Error)
}

func (d *Detach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDetach, []encoding.MarshalField{
		{Value: &d.Handle},
		{Value: &d.Closed, Omit: !d.Closed},
		{Value: d.Error, Omit: d.Error == nil},
	})
}

func (d *Detach) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDetach,
		encoding.UnmarshalField{Field: &d.Handle, HandleNull: func() error { return errors.New("frames: Detach.Handle is required") }},
		encoding.UnmarshalField{Field: &d.Closed},
		encoding.UnmarshalField{Field: &d.Error},
	)
}

// End terminates a session.
type End struct {
	Error *encoding.Error
}

func (*End) frameBody() {}

func (e *End) String() string { return fmt.Sprintf("End{Error: %v}", e.Error) }

func (e *End) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeEnd, []encoding.MarshalField{
		{Value: e.Error, Omit: e.Error == nil},
	})
}

func (e *End) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeEnd,
		encoding.UnmarshalField{Field: &e.Error},
	)
}

// Close terminates a connection.
type Close struct {
	Error *encoding.Error
}

func (*Close) frameBody() {}

func (c *Close) String() string { return fmt.Sprintf("Close{Error: %v}", c.Error) }

func (c *Close) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeClose, []encoding.MarshalField{
		{Value: c.Error, Omit: c.Error == nil},
	})
}

func (c *Close) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeClose,
		encoding.UnmarshalField{Field: &c.Error},
	)
}
