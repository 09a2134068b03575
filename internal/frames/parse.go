package frames

import (
	"fmt"

	"github.com/amqp1go/amqp1/internal/buffer"
	"github.com/amqp1go/amqp1/internal/encoding"
)

// ParseBody decodes a performative's described-type body (the descriptor
// plus its list) from buf, dispatching on the descriptor to the right
// Body implementation. buf must contain exactly the frame's body
// (payload bytes, for a transfer, trail the performative and are left
// for Transfer.Unmarshal to slurp via the buffer's remaining bytes).
func ParseBody(buf []byte) (Body, error) {
	r := buffer.New(buf)
	code, err := encoding.ReadDescriptor(r)
	if err != nil {
		return nil, fmt.Errorf("frames: parse body: %w", err)
	}

	var body Body
	switch code {
	case encoding.TypeCodeOpen:
		body = new(Open)
	case encoding.TypeCodeBegin:
		body = new(Begin)
	case encoding.TypeCodeAttach:
		body = new(Attach)
	case encoding.TypeCodeFlow:
		body = new(Flow)
	case encoding.TypeCodeTransfer:
		body = new(Transfer)
	case encoding.TypeCodeDisposition:
		body = new(Disposition)
	case encoding.TypeCodeDetach:
		body = new(Detach)
	case encoding.TypeCodeEnd:
		body = new(End)
	case encoding.TypeCodeClose:
		body = new(Close)
	case encoding.TypeCodeSASLMechanism:
		body = new(SASLMechanisms)
	case encoding.TypeCodeSASLInit:
		body = new(SASLInit)
	case encoding.TypeCodeSASLChallenge:
		body = new(SASLChallenge)
	case encoding.TypeCodeSASLResponse:
		body = new(SASLResponse)
	case encoding.TypeCodeSASLOutcome:
		body = new(SASLOutcome)
	default:
		return nil, fmt.Errorf("frames: unrecognized performative descriptor %s", code)
	}

	if err := body.Unmarshal(r); err != nil {
		return nil, fmt.Errorf("frames: unmarshal %T: %w", body, err)
	}
	return body, nil
}

// Encode writes body as a complete frame (header + described performative)
// into a fresh buffer, with frameType/channel set as given. Payload bytes
// appended by a Transfer's own Marshal are included automatically.
func Encode(frameType Type, channel uint16, body Body) (*buffer.Buffer, error) {
	payload := buffer.New(nil)
	if err := body.Marshal(payload); err != nil {
		return nil, err
	}

	h := Header{
		Size:       uint32(HeaderSize + payload.Len()),
		DataOffset: HeaderSize / 4,
		FrameType:  frameType,
		Channel:    channel,
	}

	out := buffer.NewWithCapacity(int(h.Size))
	out.Write(h.Encode(nil))
	out.Write(payload.Bytes())
	return out, nil
}

// ParserState names the streaming frame decoder's current stage (see the
// Parser type below).
type ParserState int

const (
	StateHeader ParserState = iota
	StateBody
	StateSink
)

// Parser is a three-stage streaming frame decoder: it accumulates bytes
// across Feed calls until a full header, then a full body, is available,
// yielding one Frame per completed body. Once a fatal parse error occurs
// it moves to a sink state and returns that same error for any further
// input, rather than attempting to resynchronize on a corrupt stream.
type Parser struct {
	state     ParserState
	buf       []byte
	curHeader Header
	sinkErr   error
}

// Frame is one fully decoded frame: its header and, for non-empty
// (non-keepalive) frames, its parsed performative.
type Frame struct {
	Header Header
	Body   Body // nil for an empty keepalive frame
}

// NewParser returns a Parser ready to decode frames from the start of a
// connection (immediately after the 8-byte protocol header handshake).
func NewParser() *Parser {
	return &Parser{state: StateHeader}
}

// Feed appends newBytes to the parser's internal buffer and decodes as
// many complete frames as are available, returning them in order. It
// never blocks and never drops a partial frame; call Feed again once
// more bytes arrive to resume where it left off.
func (p *Parser) Feed(newBytes []byte) ([]Frame, error) {
	if p.state == StateSink {
		return nil, p.sinkErr
	}
	p.buf = append(p.buf, newBytes...)

	var frames []Frame
	for {
		switch p.state {
		case StateHeader:
			if len(p.buf) < HeaderSize {
				return frames, nil
			}
			h, err := ParseHeader(p.buf[:HeaderSize])
			if err != nil {
				return frames, p.fail(err)
			}
			p.curHeader = h
			p.state = StateBody
		case StateBody:
			total := int(p.curHeader.Size)
			if len(p.buf) < total {
				return frames, nil
			}
			bodyBytes := p.buf[int(p.curHeader.DataOffset)*4 : total]
			p.buf = p.buf[total:]
			p.state = StateHeader

			if len(bodyBytes) == 0 {
				frames = append(frames, Frame{Header: p.curHeader})
				continue
			}
			body, err := ParseBody(bodyBytes)
			if err != nil {
				return frames, p.fail(err)
			}
			frames = append(frames, Frame{Header: p.curHeader, Body: body})
		}
	}
}

func (p *Parser) fail(err error) error {
	p.state = StateSink
	p.sinkErr = err
	return err
}
