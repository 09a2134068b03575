package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/frames"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

func TestNewLinkInitializesState(t *testing.T) {
	_, session := newTestClientAndSession(t, nil)

	l := newLink(session, encoding.RoleSender)
	require.Equal(t, encoding.RoleSender, l.key.role)
	require.NotEmpty(t, l.key.name)
	require.NotNil(t, l.rxQ)
	require.NotNil(t, l.close)
	require.NotNil(t, l.done)
}

func encodeDetach(handle uint32, closed bool) ([]byte, error) {
	d := &frames.Detach{Handle: handle, Closed: closed}
	buf, err := frames.Encode(frames.TypeAMQP, 0, d)
	if err != nil {
		return nil, err
	}
	return buf.Detach(), nil
}

func TestLinkCloseExchangesClosingDetach(t *testing.T) {
	const remoteHandle = 4

	_, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.Attach:
			return encodeAttachResponse(fr, remoteHandle, encoding.RoleReceiver)
		case *frames.Detach:
			require.True(t, fr.Closed)
			return encodeDetach(remoteHandle, true)
		default:
			return nil, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snd, err := session.NewSender(ctx, "test-target", nil)
	require.NoError(t, err)

	require.NoError(t, snd.Close(ctx))
}

func TestClientCloseShutsDownSession(t *testing.T) {
	client, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		if cl, ok := fr.(*frames.Close); ok {
			_ = cl
			buf, err := frames.Encode(frames.TypeAMQP, 0, &frames.Close{})
			if err != nil {
				return nil, err
			}
			return buf.Detach(), nil
		}
		return nil, nil
	})

	require.NoError(t, client.Close())

	select {
	case <-session.done:
	case <-time.After(time.Second):
		t.Fatal("session did not terminate after client close")
	}
}

// TestClientCloseStopsAllGoroutines guards the full mux teardown chain —
// Conn, Session, and a Sender's own mux all have to unwind when the
// client closes, or attaching links over a long process lifetime leaks
// one goroutine set per Client.
func TestClientCloseStopsAllGoroutines(t *testing.T) {
	defer leaktest.Check(t)()

	const remoteHandle = 5

	client, session := newTestClientAndSession(t, func(fr frames.Body) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.Attach:
			return encodeAttachResponse(fr, remoteHandle, encoding.RoleReceiver)
		case *frames.Close:
			buf, err := frames.Encode(frames.TypeAMQP, 0, &frames.Close{})
			if err != nil {
				return nil, err
			}
			return buf.Detach(), nil
		default:
			return nil, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := session.NewSender(ctx, "test-target", nil)
	require.NoError(t, err)

	require.NoError(t, client.Close())
}
