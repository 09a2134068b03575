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

func concatFrames(chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func encodeFlow(handle uint32, linkCredit uint32) []byte {
	f := &frames.Flow{
		IncomingWindow: 5000,
		OutgoingWindow: 5000,
		Handle:         &handle,
		LinkCredit:     &linkCredit,
	}
	buf, err := frames.Encode(frames.TypeAMQP, 0, f)
	if err != nil {
		panic(err)
	}
	return buf.Detach()
}

func TestSenderSendSettlesOnDisposition(t *testing.T) {
	const remoteHandle = 7

	_, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.Attach:
			at, err := encodeAttachResponse(fr, remoteHandle, encoding.RoleReceiver)
			if err != nil {
				return nil, err
			}
			return concatFrames(at, encodeFlow(remoteHandle, 10)), nil
		case *frames.Transfer:
			return mocks.PerformDisposition(*fr.DeliveryID, &encoding.StateAccepted{})
		default:
			return nil, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snd, err := session.NewSender(ctx, "test-target", nil)
	require.NoError(t, err)

	err = snd.Send(ctx, &Message{Value: "hello"}, nil)
	require.NoError(t, err)
}

func TestSenderSendRejectedReturnsError(t *testing.T) {
	const remoteHandle = 9
	rejErr := &encoding.Error{Condition: "amqp:internal-error", Description: "nope"}

	_, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.Attach:
			at, err := encodeAttachResponse(fr, remoteHandle, encoding.RoleReceiver)
			if err != nil {
				return nil, err
			}
			return concatFrames(at, encodeFlow(remoteHandle, 10)), nil
		case *frames.Transfer:
			return mocks.PerformDisposition(*fr.DeliveryID, &encoding.StateRejected{Error: rejErr})
		default:
			return nil, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snd, err := session.NewSender(ctx, "test-target", nil)
	require.NoError(t, err)

	err = snd.Send(ctx, &Message{Value: "hello"}, nil)
	require.Error(t, err)
}

func TestSenderSendPreSettledNeedsNoDisposition(t *testing.T) {
	const remoteHandle = 3

	_, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.Attach:
			at, err := encodeAttachResponse(fr, remoteHandle, encoding.RoleReceiver)
			if err != nil {
				return nil, err
			}
			return concatFrames(at, encodeFlow(remoteHandle, 10)), nil
		default:
			// no Disposition is ever sent back; a pre-settled Send must
			// still complete on its own.
			return nil, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	settled := SenderSettleModeSettled
	snd, err := session.NewSender(ctx, "test-target", &SenderOptions{SettlementMode: &settled})
	require.NoError(t, err)

	err = snd.Send(ctx, &Message{Value: "hello"}, nil)
	require.NoError(t, err)
}
