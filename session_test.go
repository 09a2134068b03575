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

func encodeFlowWindow(handle, linkCredit, incomingWindow uint32) []byte {
	nextIncoming := uint32(0)
	f := &frames.Flow{
		NextIncomingID: &nextIncoming,
		IncomingWindow: incomingWindow,
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

// TestSenderBlocksOnSessionWindowStall covers literal scenario 6: once the
// peer's incoming-window is exhausted, Sender.mux must stall the transfer
// on the session's window rather than sending it on link-credit alone, and
// resume the instant a Flow restores room.
func TestSenderBlocksOnSessionWindowStall(t *testing.T) {
	const remoteHandle = 21

	_, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.Attach:
			at, err := encodeAttachResponse(fr, remoteHandle, encoding.RoleReceiver)
			if err != nil {
				return nil, err
			}
			return concatFrames(at, encodeFlowWindow(remoteHandle, 10, 0)), nil
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

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- snd.Send(ctx, &Message{Value: "hello"}, nil)
	}()

	select {
	case err := <-sendDone:
		t.Fatalf("send completed before the session window opened: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	// The peer grants outgoing-window room via a session-level Flow,
	// delivered the same way Conn.mux hands a received frame to the
	// session.
	nextIncoming := uint32(0)
	windowFlow := &frames.Flow{
		NextIncomingID: &nextIncoming,
		IncomingWindow: 1,
		OutgoingWindow: 5000,
	}
	select {
	case session.rx <- windowFlow:
	case <-time.After(time.Second):
		t.Fatal("session mux did not accept the window-opening flow")
	}

	select {
	case err := <-sendDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete after the session window opened")
	}
}

// TestSessionFailsOnUnattachedHandleFlow covers the unattached-handle
// tie-break: a Flow referencing a handle this session never attached must
// fail the session rather than be logged and dropped.
func TestSessionFailsOnUnattachedHandleFlow(t *testing.T) {
	_, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		return nil, nil
	})

	unknownHandle := uint32(999)
	fl := &frames.Flow{Handle: &unknownHandle, IncomingWindow: 10, OutgoingWindow: 10}
	select {
	case session.rx <- fl:
	case <-time.After(time.Second):
		t.Fatal("session mux did not accept the flow")
	}

	select {
	case <-session.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not fail on an unattached-handle flow")
	}
	var sessErr *SessionError
	require.ErrorAs(t, session.doneErr, &sessErr)
}

// TestSessionFailsOnMalformedDispositionRange covers the malformed-frame
// tie-break: a Disposition whose Last precedes First must fail the
// session instead of silently iterating zero times.
func TestSessionFailsOnMalformedDispositionRange(t *testing.T) {
	_, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		return nil, nil
	})

	last := uint32(2)
	disp := &frames.Disposition{Role: encoding.RoleReceiver, First: 5, Last: &last}
	select {
	case session.rx <- disp:
	case <-time.After(time.Second):
		t.Fatal("session mux did not accept the disposition")
	}

	select {
	case <-session.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not fail on a malformed disposition range")
	}
	var sessErr *SessionError
	require.ErrorAs(t, session.doneErr, &sessErr)
}
