package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireamqp/amqpmux/lib/amqp"
)

func TestNewSessionDefaults(t *testing.T) {
	conn := newMockConn()
	s, err := NewSession(conn, 3, nil)
	require.NoError(t, err)

	assert.Equal(t, StateUnmapped, s.State())
	assert.Equal(t, uint16(3), s.Channel())
	assert.NotEmpty(t, s.Name())

	incoming, outgoing := s.Windows()
	assert.Equal(t, uint32(1), incoming)
	assert.Equal(t, uint32(1), outgoing)

	_, ok := s.RemoteChannel()
	assert.False(t, ok, "remote channel should be unknown before the peer's Begin")
}

func TestNewSessionRequiresEncoder(t *testing.T) {
	// a Connection that is not an Encoder and no Options.Encoder
	type bareConn struct{ Connection }
	_, err := NewSession(&bareConn{Connection: newMockConn()}, 0, nil)
	require.ErrorIs(t, err, ErrNoEncoder)
}

func TestBeginHandshakeInitiator(t *testing.T) {
	conn := newMockConn()
	s, err := NewSession(conn, 0, &Options{
		NextOutgoingID: 42,
		IncomingWindow: 5,
		OutgoingWindow: 6,
	})
	require.NoError(t, err)

	require.NoError(t, s.Begin(0))
	assert.Equal(t, StateBeginSent, s.State())

	begins := conn.begins()
	require.Len(t, begins, 1)
	assert.Nil(t, begins[0].RemoteChannel)
	assert.Equal(t, uint32(42), begins[0].NextOutgoingID)
	assert.Equal(t, uint32(5), begins[0].IncomingWindow)
	assert.Equal(t, uint32(6), begins[0].OutgoingWindow)

	reply := peerBegin()
	reply.NextOutgoingID = 9
	reply.IncomingWindow = 11
	reply.OutgoingWindow = 13
	require.NoError(t, s.OnIncomingFrame(peerChannel, reply))

	assert.Equal(t, StateMapped, s.State())
	rc, ok := s.RemoteChannel()
	require.True(t, ok)
	assert.Equal(t, peerChannel, rc)

	remoteIn, remoteOut := s.RemoteWindows()
	assert.Equal(t, uint32(11), remoteIn)
	assert.Equal(t, uint32(13), remoteOut)
	assert.Equal(t, uint32(42), s.NextOutgoingID(), "local transfer-id must not move on Begin")
}

func TestBeginHandshakeAcceptor(t *testing.T) {
	conn := newMockConn()
	s, err := NewSession(conn, 2, nil)
	require.NoError(t, err)

	// peer's Begin arrives before we sent ours
	require.NoError(t, s.OnIncomingFrame(peerChannel, peerBegin()))

	assert.Equal(t, StateMapped, s.State())
	begins := conn.begins()
	require.Len(t, begins, 1)
	require.NotNil(t, begins[0].RemoteChannel)
	assert.Equal(t, peerChannel, *begins[0].RemoteChannel, "reply Begin must echo the peer's channel")
}

func TestBeginPipelinedOpenDisallowed(t *testing.T) {
	conn := newMockConn()
	s, err := NewSession(conn, 0, &Options{DisallowPipelinedOpen: true})
	require.NoError(t, err)

	err = s.Begin(0)
	require.ErrorIs(t, err, ErrPipelinedOpenDisallowed)
	// the Begin frame still went out
	assert.Len(t, conn.begins(), 1)
	assert.Equal(t, StateBeginSent, s.State())
}

func TestBeginWaitReachesMapped(t *testing.T) {
	conn := newMockConn()
	s, err := NewSession(conn, 0, &Options{IdleWait: time.Millisecond})
	require.NoError(t, err)

	// the peer answers on the first pump
	conn.pumpFn = func() {
		conn.pumpFn = nil
		require.NoError(t, s.OnIncomingFrame(peerChannel, peerBegin()))
	}

	require.NoError(t, s.Begin(WaitForever))
	assert.Equal(t, StateMapped, s.State())
}

func TestBeginWaitTimeoutIsNotAnError(t *testing.T) {
	conn := newMockConn()
	s, err := NewSession(conn, 0, &Options{IdleWait: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, s.Begin(10*time.Millisecond))
	assert.Equal(t, StateBeginSent, s.State(), "caller inspects State after an elapsed wait")
}

func TestEndFromMapped(t *testing.T) {
	conn := newMockConn()
	s := newMappedSession(t, conn, nil)

	require.NoError(t, s.End(nil, 0))
	assert.Equal(t, StateEndSent, s.State())

	ends := conn.ends()
	require.Len(t, ends, 1)
	assert.Nil(t, ends[0].Error)
}

func TestEndIsIdempotent(t *testing.T) {
	conn := newMockConn()
	s := newMappedSession(t, conn, nil)

	require.NoError(t, s.End(nil, 0))
	require.NoError(t, s.End(nil, 0))
	require.NoError(t, s.End(nil, 0))

	assert.Len(t, conn.ends(), 1, "repeated End must not emit more frames")
}

func TestEndWithErrorDiscards(t *testing.T) {
	conn := newMockConn()
	s := newMappedSession(t, conn, nil)

	endErr := &amqp.Error{Condition: amqp.ErrCondInternalError, Description: "boom"}
	require.NoError(t, s.End(endErr, 0))

	assert.Equal(t, StateDiscarding, s.State())
	ends := conn.ends()
	require.Len(t, ends, 1)
	require.NotNil(t, ends[0].Error)
	assert.Equal(t, amqp.ErrCondInternalError, ends[0].Error.Condition)
}

func TestEndBeforeMappedStillSends(t *testing.T) {
	conn := newMockConn()
	s, err := NewSession(conn, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Begin(0))

	require.NoError(t, s.End(nil, 0))
	assert.Len(t, conn.ends(), 1)
	assert.Equal(t, StateEndSent, s.State())
}

func TestEndFromUnmappedIsNoop(t *testing.T) {
	conn := newMockConn()
	s, err := NewSession(conn, 0, nil)
	require.NoError(t, err)

	require.NoError(t, s.End(nil, 0))
	assert.Empty(t, conn.sent)
	assert.Equal(t, StateUnmapped, s.State())
}

func TestIncomingEndRepliesAndUnmaps(t *testing.T) {
	conn := newMockConn()
	s := newMappedSession(t, conn, nil)

	require.NoError(t, s.OnIncomingFrame(peerChannel, &amqp.End{}))

	assert.Equal(t, StateUnmapped, s.State())
	assert.Len(t, conn.ends(), 1, "peer-initiated End gets a reply End")
}

func TestIncomingEndCompletesLocalEnd(t *testing.T) {
	conn := newMockConn()
	s := newMappedSession(t, conn, nil)

	require.NoError(t, s.End(nil, 0))
	conn.reset()

	require.NoError(t, s.OnIncomingFrame(peerChannel, &amqp.End{}))
	assert.Equal(t, StateUnmapped, s.State())
	assert.Empty(t, conn.ends(), "our End already crossed, no second one")
}

func TestIncomingEndWithErrorStillHandshakes(t *testing.T) {
	conn := newMockConn()
	s := newMappedSession(t, conn, nil)

	require.NoError(t, s.OnIncomingFrame(peerChannel, &amqp.End{
		Error: &amqp.Error{Condition: amqp.ErrCondSessionWindowViolation},
	}))
	assert.Equal(t, StateUnmapped, s.State())
	assert.Len(t, conn.ends(), 1)
}

func TestConnectionCloseDiscardsSession(t *testing.T) {
	conn := newMockConn()
	s := newMappedSession(t, conn, nil)

	conn.closed = true
	s.OnConnectionStateChange()
	assert.Equal(t, StateDiscarding, s.State())

	// terminal states stay put
	conn2 := newMockConn()
	s2, err := NewSession(conn2, 0, nil)
	require.NoError(t, err)
	conn2.closed = true
	s2.OnConnectionStateChange()
	assert.Equal(t, StateUnmapped, s2.State())
}

func TestStateChangedChannelCloses(t *testing.T) {
	conn := newMockConn()
	s, err := NewSession(conn, 0, nil)
	require.NoError(t, err)

	ch := s.StateChanged()
	require.NoError(t, s.Begin(0))

	select {
	case <-ch:
	default:
		t.Fatal("state change did not close the observer channel")
	}
}

func TestUnknownFrameBodyRejected(t *testing.T) {
	conn := newMockConn()
	s := newMappedSession(t, conn, nil)

	err := s.OnIncomingFrame(peerChannel, nil)
	require.Error(t, err)
}

func TestEndDetachesLinks(t *testing.T) {
	conn := newMockConn()
	s := newMappedSession(t, conn, nil)
	l := attachSender(t, s, conn, "q", 0)

	require.NoError(t, s.End(nil, 0))
	assert.True(t, l.Closed())
	assert.False(t, l.Attached())
}
