package amqp

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/frames"
	"github.com/amqp1go/amqp1/internal/mocks"
	"github.com/stretchr/testify/require"
)

func TestReceiverModeFirstAutoAcceptsAndReplenishesCredit(t *testing.T) {
	const remoteHandle = 11
	transferSent := make(chan struct{}, 1)

	_, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.Attach:
			return encodeAttachResponse(fr, remoteHandle, encoding.RoleSender)
		case *frames.Flow:
			select {
			case <-transferSent:
				return nil, nil
			default:
			}
			close(transferSent)
			return mocks.PerformTransfer(remoteHandle, 1, []byte("payload"))
		case *frames.Disposition:
			return nil, nil
		default:
			return nil, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rcv, err := session.NewReceiver(ctx, "test-source", nil)
	require.NoError(t, err)

	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), msg.Data[0])

	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&rcv.l.Paused) == 0
	}, time.Second, time.Millisecond)
}

func TestReceiverModeSecondStaysPausedUntilAccept(t *testing.T) {
	const remoteHandle = 12
	transferSent := make(chan struct{}, 1)

	_, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.Attach:
			return encodeAttachResponse(fr, remoteHandle, encoding.RoleSender)
		case *frames.Flow:
			select {
			case <-transferSent:
				return nil, nil
			default:
			}
			close(transferSent)
			return mocks.PerformTransfer(remoteHandle, 1, []byte("payload"))
		default:
			return nil, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mode := ReceiverSettleModeSecond
	rcv, err := session.NewReceiver(ctx, "test-source", &ReceiverOptions{SettlementMode: &mode})
	require.NoError(t, err)

	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&rcv.l.Paused) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, rcv.countUnsettled())

	require.NoError(t, rcv.AcceptMessage(ctx, msg))

	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&rcv.l.Paused) == 0
	}, time.Second, time.Millisecond)
	require.Equal(t, 0, rcv.countUnsettled())
}

func encodeTransferMore(handle, deliveryID uint32, payload []byte) ([]byte, error) {
	t := &frames.Transfer{
		Handle:      handle,
		DeliveryID:  &deliveryID,
		DeliveryTag: []byte("tag"),
		More:        true,
		Payload:     payload,
	}
	buf, err := frames.Encode(frames.TypeAMQP, 0, t)
	if err != nil {
		return nil, err
	}
	return buf.Detach(), nil
}

func encodeTransferAbort(handle, deliveryID uint32) ([]byte, error) {
	t := &frames.Transfer{
		Handle:      handle,
		DeliveryID:  &deliveryID,
		DeliveryTag: []byte("tag"),
		Aborted:     true,
	}
	buf, err := frames.Encode(frames.TypeAMQP, 0, t)
	if err != nil {
		return nil, err
	}
	return buf.Detach(), nil
}

// TestReceiverAbortedDeliveryDiscardsPayload covers literal scenario 5: a
// partial transfer (more=true) followed by one with aborted=true must
// discard the accumulated payload, settle the delivery locally, and
// surface a distinct error to Receive instead of a truncated message.
func TestReceiverAbortedDeliveryDiscardsPayload(t *testing.T) {
	const remoteHandle = 13
	var flowsSeen int

	_, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.Attach:
			return encodeAttachResponse(fr, remoteHandle, encoding.RoleSender)
		case *frames.Flow:
			flowsSeen++
			if flowsSeen != 1 {
				return nil, nil
			}
			more, err := encodeTransferMore(remoteHandle, 4, []byte("XX"))
			if err != nil {
				return nil, err
			}
			abort, err := encodeTransferAbort(remoteHandle, 4)
			if err != nil {
				return nil, err
			}
			return concatFrames(more, abort), nil
		default:
			return nil, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rcv, err := session.NewReceiver(ctx, "test-source", nil)
	require.NoError(t, err)

	msg, err := rcv.Receive(ctx)
	require.Nil(t, msg)
	var abortErr *AbortedError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, 0, rcv.countUnsettled())
}
