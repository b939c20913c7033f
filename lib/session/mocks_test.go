package session

// mocks_test.go — Shared mock types and test helper functions used across
// multiple test files in the session package.

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wireamqp/amqpmux/lib/amqp"
)

// Frame sizes produced by the mock encoder. Transfers cost a fixed
// overhead plus their payload so fragmentation math is predictable;
// everything else is a fixed body.
const (
	mockTransferOverhead = 32
	mockFrameBodySize    = 16
)

// peerChannel is the wire channel the mocked peer sends on.
const peerChannel uint16 = 7

// sentFrame records one frame handed to the mock connection.
type sentFrame struct {
	channel uint16
	body    amqp.FrameBody
}

// mockConn implements Connection and amqp.Encoder, recording every
// outgoing frame for inspection.
type mockConn struct {
	maxFrame uint32
	closed   bool
	sendErr  error
	sent     []sentFrame

	// pumpFn simulates peer activity during blocking waits.
	pumpFn func()
}

func newMockConn() *mockConn {
	return &mockConn{maxFrame: amqp.DefaultMaxFrameSize}
}

func (m *mockConn) ProcessOutgoing(channel uint16, body amqp.FrameBody) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentFrame{channel: channel, body: body})
	return nil
}

func (m *mockConn) RemoteMaxFrameSize() uint32 { return m.maxFrame }

func (m *mockConn) Pump(block bool) error {
	if m.pumpFn != nil {
		m.pumpFn()
	}
	return nil
}

func (m *mockConn) Closed() bool { return m.closed }

func (m *mockConn) EncodeFrame(body amqp.FrameBody) ([]byte, error) {
	if tr, ok := body.(*amqp.Transfer); ok {
		return make([]byte, mockTransferOverhead+len(tr.Payload)), nil
	}
	return make([]byte, mockFrameBodySize), nil
}

func (m *mockConn) reset() { m.sent = nil }

func (m *mockConn) begins() []*amqp.Begin {
	var out []*amqp.Begin
	for _, fr := range m.sent {
		if b, ok := fr.body.(*amqp.Begin); ok {
			out = append(out, b)
		}
	}
	return out
}

func (m *mockConn) ends() []*amqp.End {
	var out []*amqp.End
	for _, fr := range m.sent {
		if e, ok := fr.body.(*amqp.End); ok {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockConn) attaches() []*amqp.Attach {
	var out []*amqp.Attach
	for _, fr := range m.sent {
		if a, ok := fr.body.(*amqp.Attach); ok {
			out = append(out, a)
		}
	}
	return out
}

func (m *mockConn) detaches() []*amqp.Detach {
	var out []*amqp.Detach
	for _, fr := range m.sent {
		if d, ok := fr.body.(*amqp.Detach); ok {
			out = append(out, d)
		}
	}
	return out
}

func (m *mockConn) flows() []*amqp.Flow {
	var out []*amqp.Flow
	for _, fr := range m.sent {
		if f, ok := fr.body.(*amqp.Flow); ok {
			out = append(out, f)
		}
	}
	return out
}

func (m *mockConn) transfers() []*amqp.Transfer {
	var out []*amqp.Transfer
	for _, fr := range m.sent {
		if t, ok := fr.body.(*amqp.Transfer); ok {
			out = append(out, t)
		}
	}
	return out
}

func (m *mockConn) dispositions() []*amqp.Disposition {
	var out []*amqp.Disposition
	for _, fr := range m.sent {
		if d, ok := fr.body.(*amqp.Disposition); ok {
			out = append(out, d)
		}
	}
	return out
}

// peerBegin is the Begin frame the mocked peer answers with. Generous
// windows unless a test overrides them.
func peerBegin() *amqp.Begin {
	return &amqp.Begin{
		NextOutgoingID: 0,
		IncomingWindow: 100,
		OutgoingWindow: 100,
		HandleMax:      amqp.DefaultHandleMax,
	}
}

// newMappedSession runs the initiator side of the Begin handshake and
// clears the recorded frames.
func newMappedSession(t *testing.T, conn *mockConn, opts *Options) *Session {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.IdleWait == 0 {
		opts.IdleWait = time.Millisecond
	}
	s, err := NewSession(conn, 0, opts)
	require.NoError(t, err)
	require.NoError(t, s.Begin(0))
	require.NoError(t, s.OnIncomingFrame(peerChannel, peerBegin()))
	require.Equal(t, StateMapped, s.State())
	conn.reset()
	return s
}

// attachSender completes a sender link's attach handshake against the
// mocked peer, binding peerHandle as the peer's handle.
func attachSender(t *testing.T, s *Session, conn *mockConn, target string, peerHandle uint32) *SenderLink {
	t.Helper()
	l, err := s.CreateSenderLink(target, nil)
	require.NoError(t, err)
	require.NoError(t, l.Attach())
	require.NoError(t, s.OnIncomingFrame(peerChannel, &amqp.Attach{
		Name:   l.Name(),
		Handle: peerHandle,
		Role:   amqp.RoleReceiver,
	}))
	require.True(t, l.Attached())
	conn.reset()
	return l
}

// grantCredit feeds the sender a link flow from the peer receiver. The
// session-level window fields echo the session's current view so that
// granting link credit leaves the windows untouched.
func grantCredit(t *testing.T, s *Session, l *SenderLink, credit uint32) {
	t.Helper()
	handle, ok := l.RemoteHandle()
	require.True(t, ok)
	count := l.DeliveryCount()
	remoteIn, remoteOut := s.RemoteWindows()
	id := s.NextOutgoingID()
	require.NoError(t, s.OnIncomingFrame(peerChannel, &amqp.Flow{
		NextIncomingID: &id,
		IncomingWindow: remoteIn,
		NextOutgoingID: 0,
		OutgoingWindow: remoteOut,
		Handle:         &handle,
		DeliveryCount:  &count,
		LinkCredit:     &credit,
	}))
}

// peerAttachSender simulates the peer attaching as a sender, which makes
// the session construct a local receiver link.
func peerAttachSender(t *testing.T, s *Session, conn *mockConn, name string, peerHandle uint32) *ReceiverLink {
	t.Helper()
	require.NoError(t, s.OnIncomingFrame(peerChannel, &amqp.Attach{
		Name:   name,
		Handle: peerHandle,
		Role:   amqp.RoleSender,
		Source: "peer-source",
	}))
	l, ok := s.LinkByName(name)
	require.True(t, ok)
	rcv, ok := l.(*ReceiverLink)
	require.True(t, ok)
	conn.reset()
	return rcv
}

func u32(v uint32) *uint32 { return &v }
