// Package mocks provides a scriptable net.Conn double for exercising the
// engine/driver against canned AMQP traffic without a real broker.
package mocks

import (
	"errors"
	"math"
	"net"
	"time"

	"github.com/amqp1go/amqp1/internal/buffer"
	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/frames"
)

// NewConnection builds a MockConnection whose Write calls invoke resp for
// every frame received from the driver under test. Returning a nil slice
// and nil error swallows the frame; a non-nil error simulates a transport
// write failure.
func NewConnection(resp func(frames.Body) ([]byte, error)) *MockConnection {
	return &MockConnection{
		resp: resp,
		// buffered so shutdown-time writes with no reader left don't block
		readData:  make(chan []byte, 10),
		readClose: make(chan struct{}),
	}
}

// MockConnection is a mock net.Conn. Read, Write, and Close are called
// from separate goroutines by the driver under test, mirroring a real
// socket's concurrency contract.
type MockConnection struct {
	resp      func(frames.Body) ([]byte, error)
	readDL    *time.Timer
	readData  chan []byte
	readClose chan struct{}
	closed    bool
}

func (m *MockConnection) Read(b []byte) (n int, err error) {
	select {
	case <-m.readClose:
		return 0, errors.New("mocks: connection was closed")
	default:
	}

	var deadline <-chan time.Time
	if m.readDL != nil {
		deadline = m.readDL.C
	}
	select {
	case <-m.readClose:
		return 0, errors.New("mocks: connection was closed")
	case <-deadline:
		return 0, errors.New("mocks: read deadline exceeded")
	case rd := <-m.readData:
		return copy(b, rd), nil
	}
}

func (m *MockConnection) Write(b []byte) (n int, err error) {
	select {
	case <-m.readClose:
		return 0, errors.New("mocks: connection was closed")
	default:
	}

	frame, err := decodeFrame(b)
	if err != nil {
		return 0, err
	}
	resp, err := m.resp(frame)
	if err != nil {
		return 0, err
	}
	if resp != nil {
		m.readData <- resp
	}
	return len(b), nil
}

func (m *MockConnection) Close() error {
	if m.closed {
		return errors.New("mocks: double close")
	}
	m.closed = true
	close(m.readClose)
	return nil
}

func (m *MockConnection) LocalAddr() net.Addr  { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)} }
func (m *MockConnection) RemoteAddr() net.Addr { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)} }

func (m *MockConnection) SetDeadline(t time.Time) error { return errors.New("mocks: not supported") }

func (m *MockConnection) SetReadDeadline(t time.Time) error {
	if m.readDL != nil && !m.readDL.Stop() {
		<-m.readDL.C
	}
	m.readDL = time.NewTimer(time.Until(t))
	return nil
}

func (m *MockConnection) SetWriteDeadline(t time.Time) error { return nil }

// ProtoHeader returns the 8-byte AMQP protocol handshake header.
func ProtoHeader(id frames.ProtoID) ([]byte, error) {
	return []byte{'A', 'M', 'Q', 'P', byte(id), 1, 0, 0}, nil
}

// PerformOpen returns an encoded Open frame with the given container ID.
func PerformOpen(containerID string) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.Open{ContainerID: containerID, MaxFrameSize: 4294967295, ChannelMax: 65535})
}

// PerformBegin returns an encoded Begin frame for the given remote channel.
func PerformBegin(remoteChannel uint16) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.Begin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
		HandleMax:      math.MaxInt16,
	})
}

// ReceiverAttach returns an encoded Attach frame for a receiving link.
func ReceiverAttach(linkName string, linkHandle uint32, mode encoding.ReceiverSettleMode) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.Attach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleSender,
		Source: &encoding.Source{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpiryPolicySessionEnd,
		},
		ReceiverSettleMode: &mode,
		MaxMessageSize:     math.MaxUint32,
	})
}

// PerformTransfer returns an encoded Transfer frame carrying payload as a
// single data section.
func PerformTransfer(linkHandle, deliveryID uint32, payload []byte) ([]byte, error) {
	format := uint32(0)
	payloadBuf := buffer.New(nil)
	encoding.WriteDescriptor(payloadBuf, encoding.TypeCodeApplicationData)
	if err := encoding.WriteBinary(payloadBuf, payload); err != nil {
		return nil, err
	}
	return encodeFrame(frames.TypeAMQP, &frames.Transfer{
		Handle:        linkHandle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		Payload:       payloadBuf.Detach(),
	})
}

// PerformDisposition returns an encoded Disposition settling deliveryID.
func PerformDisposition(deliveryID uint32, state encoding.DeliveryState) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.Disposition{
		Role:    encoding.RoleSender,
		First:   deliveryID,
		Settled: true,
		State:   state,
	})
}

// AMQPProto is the pseudo frame delivered to a responder for the initial
// protocol header handshake, since it has no frame header of its own.
type AMQPProto struct{ frames.Body }

// KeepAlive is the pseudo frame delivered to a responder for an empty
// (header-only) frame.
type KeepAlive struct{ frames.Body }

func encodeFrame(t frames.Type, body frames.Body) ([]byte, error) {
	buf, err := frames.Encode(t, 0, body)
	if err != nil {
		return nil, err
	}
	return buf.Detach(), nil
}

func decodeFrame(b []byte) (frames.Body, error) {
	if len(b) > 3 && b[0] == 'A' && b[1] == 'M' && b[2] == 'Q' && b[3] == 'P' {
		return &AMQPProto{}, nil
	}
	header, err := frames.ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if header.Size == frames.HeaderSize {
		return &KeepAlive{}, nil
	}
	body, err := frames.ParseBody(b[int(header.DataOffset)*4 : header.Size])
	if err != nil {
		return nil, err
	}
	return body, nil
}
