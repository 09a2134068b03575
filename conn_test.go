package amqp

import (
	"testing"
	"time"

	"github.com/amqp1go/amqp1/internal/frames"
	"github.com/amqp1go/amqp1/internal/mocks"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

// TestConnCloseStopsGoroutines guards against the mux/connReader/connWriter
// trio outliving Close: mux's shutdown path has to unblock connReader's
// blocking net.Conn.Read (by closing the underlying net.Conn) as well as
// connWriter's channel read, or this leaks one goroutine per Client for
// the life of the test binary.
func TestConnCloseStopsGoroutines(t *testing.T) {
	defer leaktest.Check(t)()

	conn := mocks.NewConnection(func(fr frames.Body) ([]byte, error) {
		switch fr.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(frames.ProtoAMQP)
		case *frames.Open:
			return mocks.PerformOpen("test-server")
		default:
			return nil, nil
		}
	})

	c, err := New(conn, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

// TestConnIdleTimeoutFailsConnection covers the silent-peer half of idle
// timeout enforcement: if the peer never sends anything after Open, the
// connection has to fail itself rather than hang forever, and still tear
// down cleanly (no leaked mux/connReader/connWriter).
func TestConnIdleTimeoutFailsConnection(t *testing.T) {
	defer leaktest.Check(t)()

	conn := mocks.NewConnection(func(fr frames.Body) ([]byte, error) {
		switch fr.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(frames.ProtoAMQP)
		case *frames.Open:
			return mocks.PerformOpen("test-server")
		default:
			return nil, nil
		}
	})

	c, err := New(conn, &ConnOptions{IdleTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	select {
	case <-c.conn.done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not fail after idle timeout elapsed")
	}
	require.Error(t, c.conn.doneErr)
}
