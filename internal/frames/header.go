// Package frames implements the AMQP 1.0 frame codec: the 8-byte frame
// header, the protocol header handshake, and the performative bodies
// carried by AMQP and SASL frames.
package frames

import (
	"encoding/binary"
	"fmt"
)

// Type identifies which protocol a frame belongs to.
type Type uint8

const (
	TypeAMQP Type = 0x0
	TypeSASL Type = 0x1
)

// HeaderSize is the fixed 8-byte frame header length.
const HeaderSize = 8

// Header is the decoded form of a frame's 8-byte header.
type Header struct {
	Size       uint32
	DataOffset uint8
	FrameType  Type
	Channel    uint16
}

// ParseHeader decodes the 8-byte frame header from the front of buf. buf
// must be at least HeaderSize long.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("frames: header requires %d bytes, got %d", HeaderSize, len(buf))
	}
	h := Header{
		Size:       binary.BigEndian.Uint32(buf[0:4]),
		DataOffset: buf[4],
		FrameType:  Type(buf[5]),
		Channel:    binary.BigEndian.Uint16(buf[6:8]),
	}
	if h.Size < HeaderSize {
		return Header{}, fmt.Errorf("frames: invalid frame size %d", h.Size)
	}
	if h.DataOffset < 2 {
		return Header{}, fmt.Errorf("frames: invalid data offset %d", h.DataOffset)
	}
	return h, nil
}

// Encode appends this header's wire encoding to buf.
func (h Header) Encode(buf []byte) []byte {
	var tmp [HeaderSize]byte
	binary.BigEndian.PutUint32(tmp[0:4], h.Size)
	tmp[4] = h.DataOffset
	tmp[5] = byte(h.FrameType)
	binary.BigEndian.PutUint16(tmp[6:8], h.Channel)
	return append(buf, tmp[:]...)
}

// ProtoID distinguishes the protocol negotiated on a connection's initial
// 8-byte handshake header (not to be confused with a frame Header).
type ProtoID uint8

const (
	ProtoAMQP ProtoID = 0x0
	ProtoTLS  ProtoID = 0x2
	ProtoSASL ProtoID = 0x3
)

// ProtoHeader is the 8-byte "AMQP" + protocol-id + version handshake
// exchanged before any frames flow.
type ProtoHeader struct {
	ID    ProtoID
	Major uint8
	Minor uint8
	Rev   uint8
}

var protoMagic = [4]byte{'A', 'M', 'Q', 'P'}

// Encode appends this protocol header's wire encoding to buf.
func (p ProtoHeader) Encode(buf []byte) []byte {
	buf = append(buf, protoMagic[:]...)
	return append(buf, byte(p.ID), p.Major, p.Minor, p.Rev)
}

// ParseProtoHeader decodes an 8-byte protocol header.
func ParseProtoHeader(buf []byte) (ProtoHeader, error) {
	if len(buf) < 8 {
		return ProtoHeader{}, fmt.Errorf("frames: proto header requires 8 bytes, got %d", len(buf))
	}
	if buf[0] != protoMagic[0] || buf[1] != protoMagic[1] || buf[2] != protoMagic[2] || buf[3] != protoMagic[3] {
		return ProtoHeader{}, fmt.Errorf("frames: bad protocol magic %q", buf[0:4])
	}
	return ProtoHeader{ID: ProtoID(buf[4]), Major: buf[5], Minor: buf[6], Rev: buf[7]}, nil
}
