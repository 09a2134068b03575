package encoding

import "github.com/amqp1go/amqp1/internal/buffer"

// Source describes where messages for a link come from.
type Source struct {
	Address      string
	Durable      Durability
	ExpiryPolicy ExpiryPolicy
	Timeout      uint32 // seconds
	Dynamic      bool
	DynamicNodeProperties map[Symbol]any
	DistributionMode      Symbol
	Filter                Filter
	DefaultOutcome        DeliveryState
	Outcomes              MultiSymbol
	Capabilities          MultiSymbol
}

func (s *Source) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeSource, []MarshalField{
		{Value: &s.Address, Omit: s.Address == ""},
		{Value: &s.Durable, Omit: s.Durable == DurabilityNone},
		{Value: &s.ExpiryPolicy, Omit: s.ExpiryPolicy == ""},
		{Value: &s.Timeout, Omit: s.Timeout == 0},
		{Value: &s.Dynamic, Omit: !s.Dynamic},
		{Value: s.DynamicNodeProperties, Omit: len(s.DynamicNodeProperties) == 0},
		{Value: &s.DistributionMode, Omit: s.DistributionMode == ""},
		{Value: s.Filter, Omit: len(s.Filter) == 0},
		{Value: s.DefaultOutcome, Omit: s.DefaultOutcome == nil},
		{Value: &s.Outcomes, Omit: len(s.Outcomes) == 0},
		{Value: &s.Capabilities, Omit: len(s.Capabilities) == 0},
	})
}

func (s *Source) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeSource,
		UnmarshalField{Field: &s.Address},
		UnmarshalField{Field: &s.Durable},
		UnmarshalField{Field: &s.ExpiryPolicy},
		UnmarshalField{Field: &s.Timeout},
		UnmarshalField{Field: &s.Dynamic},
		UnmarshalField{Field: &s.DynamicNodeProperties},
		UnmarshalField{Field: &s.DistributionMode},
		UnmarshalField{Field: &s.Filter},
		UnmarshalField{Field: &s.DefaultOutcome},
		UnmarshalField{Field: &s.Outcomes},
		UnmarshalField{Field: &s.Capabilities},
	)
}

// Target describes where messages for a link go to.
type Target struct {
	Address               string
	Durable               Durability
	ExpiryPolicy          ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[Symbol]any
	Capabilities          MultiSymbol
}

func (t *Target) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTarget, []MarshalField{
		{Value: &t.Address, Omit: t.Address == ""},
		{Value: &t.Durable, Omit: t.Durable == DurabilityNone},
		{Value: &t.ExpiryPolicy, Omit: t.ExpiryPolicy == ""},
		{Value: &t.Timeout, Omit: t.Timeout == 0},
		{Value: &t.Dynamic, Omit: !t.Dynamic},
		{Value: t.DynamicNodeProperties, Omit: len(t.DynamicNodeProperties) == 0},
		{Value: &t.Capabilities, Omit: len(t.Capabilities) == 0},
	})
}

func (t *Target) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeTarget,
		UnmarshalField{Field: &t.Address},
		UnmarshalField{Field: &t.Durable},
		UnmarshalField{Field: &t.ExpiryPolicy},
		UnmarshalField{Field: &t.Timeout},
		UnmarshalField{Field: &t.Dynamic},
		UnmarshalField{Field: &t.DynamicNodeProperties},
		UnmarshalField{Field: &t.Capabilities},
	)
}

// Coordinator is the target variant used by transaction controller links.
type Coordinator struct {
	Capabilities MultiSymbol
}

func (c *Coordinator) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeCoordinator, []MarshalField{
		{Value: &c.Capabilities, Omit: len(c.Capabilities) == 0},
	})
}

func (c *Coordinator) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeCoordinator,
		UnmarshalField{Field: &c.Capabilities},
	)
}

func init() {
	RegisterDescribedType(uint64(TypeCodeSource), func(r *buffer.Buffer) (any, error) {
		s := new(Source)
		if err := s.Unmarshal(r); err != nil {
			return nil, err
		}
		return s, nil
	})
	RegisterDescribedType(uint64(TypeCodeTarget), func(r *buffer.Buffer) (any, error) {
		t := new(Target)
		if err := t.Unmarshal(r); err != nil {
			return nil, err
		}
		return t, nil
	})
	RegisterDescribedType(uint64(TypeCodeCoordinator), func(r *buffer.Buffer) (any, error) {
		c := new(Coordinator)
		if err := c.Unmarshal(r); err != nil {
			return nil, err
		}
		return c, nil
	})
}
