package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/frames"
	"github.com/amqp1go/amqp1/internal/mocks"
	"github.com/stretchr/testify/require"
)

// newTestClientAndSession scripts the peer side of the handshake/open/begin
// sequence that every Sender/Receiver test needs before it can exercise
// link-level behavior. Frames beyond that initial sequence are handed to
// an overridable onFrame so each test can script its own responses.
func newTestClientAndSession(t *testing.T, onFrame func(frames.Body) ([]byte, error)) (*Client, *Session) {
	t.Helper()

	conn := mocks.NewConnection(func(fr frames.Body) ([]byte, error) {
		switch fr := fr.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(frames.ProtoAMQP)
		case *frames.Open:
			return mocks.PerformOpen("test-server")
		case *frames.Begin:
			return mocks.PerformBegin(0)
		default:
			if onFrame != nil {
				return onFrame(fr)
			}
			return nil, nil
		}
	})

	c, err := New(conn, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := c.NewSession(ctx, nil)
	require.NoError(t, err)

	return c, s
}

// encodeAttachResponse builds the peer's Attach reply to req, mirroring
// back whatever settlement modes the local side requested (an unrequested
// mode defaults to First/Mixed) so link.setSettleModes never rejects it.
func encodeAttachResponse(req *frames.Attach, handle uint32, role encoding.Role) ([]byte, error) {
	mode := receiverSettleModeValue(req.ReceiverSettleMode)
	sndMode := senderSettleModeValue(req.SenderSettleMode)
	at := &frames.Attach{
		Name:               req.Name,
		Handle:             handle,
		Role:               role,
		SenderSettleMode:   &sndMode,
		ReceiverSettleMode: &mode,
		MaxMessageSize:     0,
	}
	if role == encoding.RoleReceiver {
		at.Target = &encoding.Target{Address: "test-target"}
	} else {
		at.Source = &encoding.Source{Address: "test-source"}
	}
	buf, err := frames.Encode(frames.TypeAMQP, 0, at)
	if err != nil {
		return nil, err
	}
	return buf.Detach(), nil
}
