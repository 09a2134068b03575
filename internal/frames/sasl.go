package frames

import (
	"errors"
	"fmt"

	"github.com/amqp1go/amqp1/internal/buffer"
	"github.com/amqp1go/amqp1/internal/encoding"
)

// Code is the sasl-code outcome value a server returns in SASLOutcome.
type Code uint8

const (
	CodeOK      Code = 0
	CodeAuth    Code = 1
	CodeSys     Code = 2
	CodeSysPerm Code = 3
	CodeSysTemp Code = 4
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeAuth:
		return "auth"
	case CodeSys:
		return "sys"
	case CodeSysPerm:
		return "sys-perm"
	case CodeSysTemp:
		return "sys-temp"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// SASLMechanisms is sent by the server advertising its supported
// mechanisms.
type SASLMechanisms struct {
	Mechanisms encoding.MultiSymbol
}

func (*SASLMechanisms) frameBody() {}

func (m *SASLMechanisms) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLMechanism, []encoding.MarshalField{
		{Value: &m.Mechanisms},
	})
}

func (m *SASLMechanisms) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLMechanism,
		encoding.UnmarshalField{Field: &m.Mechanisms, HandleNull: func() error { return errors.New("frames: SASLMechanisms.Mechanisms is required") }},
	)
}

func (m *SASLMechanisms) String() string {
	return fmt.Sprintf("SASLMechanisms{Mechanisms: %v}", m.Mechanisms)
}

// SASLInit is sent by the client choosing a mechanism.
type SASLInit struct {
	Mechanism       encoding.Symbol
	InitialResponse []byte
	Hostname        string
}

func (*SASLInit) frameBody() {}

func (i *SASLInit) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLInit, []encoding.MarshalField{
		{Value: &i.Mechanism},
		{Value: &i.InitialResponse, Omit: len(i.InitialResponse) == 0},
		{Value: &i.Hostname, Omit: i.Hostname == ""},
	})
}

func (i *SASLInit) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLInit,
		encoding.UnmarshalField{Field: &i.Mechanism, HandleNull: func() error { return errors.New("frames: SASLInit.Mechanism is required") }},
		encoding.UnmarshalField{Field: &i.InitialResponse},
		encoding.UnmarshalField{Field: &i.Hostname},
	)
}

func (i *SASLInit) String() string {
	return fmt.Sprintf("SASLInit{Mechanism: %s, InitialResponse: ********, Hostname: %s}", i.Mechanism, i.Hostname)
}

// SASLChallenge carries a server challenge.
type SASLChallenge struct {
	Challenge []byte
}

func (*SASLChallenge) frameBody() {}

func (c *SASLChallenge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLChallenge, []encoding.MarshalField{
		{Value: &c.Challenge},
	})
}

func (c *SASLChallenge) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLChallenge,
		encoding.UnmarshalField{Field: &c.Challenge, HandleNull: func() error { return errors.New("frames: SASLChallenge.Challenge is required") }},
	)
}

func (c *SASLChallenge) String() string { return "SASLChallenge{Challenge: ********}" }

// SASLResponse answers a server challenge.
type SASLResponse struct {
	Response []byte
}

func (*SASLResponse) frameBody() {}

func (r *SASLResponse) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLResponse, []encoding.MarshalField{
		{Value: &r.Response},
	})
}

func (r *SASLResponse) Unmarshal(rd *buffer.Buffer) error {
	return encoding.UnmarshalComposite(rd, encoding.TypeCodeSASLResponse,
		encoding.UnmarshalField{Field: &r.Response, HandleNull: func() error { return errors.New("frames: SASLResponse.Response is required") }},
	)
}

func (r *SASLResponse) String() string { return "SASLResponse{Response: ********}" }

// SASLOutcome concludes the negotiation with a result code.
type SASLOutcome struct {
	Code           Code
	AdditionalData []byte
}

func (*SASLOutcome) frameBody() {}

func (o *SASLOutcome) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLOutcome, []encoding.MarshalField{
		{Value: uint8(o.Code)},
		{Value: &o.AdditionalData, Omit: len(o.AdditionalData) == 0},
	})
}

func (o *SASLOutcome) Unmarshal(r *buffer.Buffer) error {
	var code uint8
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeSASLOutcome,
		encoding.UnmarshalField{Field: &code, HandleNull: func() error { return errors.New("frames: SASLOutcome.Code is required") }},
		encoding.UnmarshalField{Field: &o.AdditionalData},
	)
	if err != nil {
		return err
	}
	o.Code = Code(code)
	return nil
}

func (o *SASLOutcome) String() string {
	return fmt.Sprintf("SASLOutcome{Code: %v, AdditionalData: %v}", o.Code, o.AdditionalData)
}
