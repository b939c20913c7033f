package loopback

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireamqp/amqpmux/lib/amqp"
	"github.com/wireamqp/amqpmux/lib/session"
)

// pump drains both halves a few times so multi-round handshakes settle.
func pump(t *testing.T, a, b *Conn) {
	t.Helper()
	for i := 0; i < 4; i++ {
		_ = b.Pump(false)
		_ = a.Pump(false)
	}
}

// mappedPair opens a session on the initiator and completes the Begin
// handshake through the pipe. Returns both connection halves, the
// initiating session and the auto-accepted peer session.
func mappedPair(t *testing.T, aOpts, bOpts *Options) (*Conn, *Conn, *session.Session, *session.Session) {
	t.Helper()
	var accepted *session.Session
	if bOpts == nil {
		bOpts = &Options{}
	}
	bOpts.OnSessionAccepted = func(s *session.Session) { accepted = s }

	a, b := Pipe(aOpts, bOpts)
	sess, err := a.OpenSession(nil)
	require.NoError(t, err)
	require.NoError(t, sess.Begin(0))
	pump(t, a, b)

	require.Equal(t, session.StateMapped, sess.State())
	require.NotNil(t, accepted, "the acceptor half should auto-accept the Begin")
	require.Equal(t, session.StateMapped, accepted.State())
	return a, b, sess, accepted
}

// attachPair attaches a sender on the initiating session and returns it
// with the complementary receiver constructed on the accepted session.
func attachPair(t *testing.T, a, b *Conn, sess, accepted *session.Session) (*session.SenderLink, *session.ReceiverLink) {
	t.Helper()
	snd, err := sess.CreateSenderLink("loop-queue", nil)
	require.NoError(t, err)
	require.NoError(t, snd.Attach())
	pump(t, a, b)
	require.True(t, snd.Attached())

	var rcv *session.ReceiverLink
	for _, l := range accepted.Links() {
		if r, ok := l.(*session.ReceiverLink); ok {
			rcv = r
		}
	}
	require.NotNil(t, rcv, "peer sender attach must produce a local receiver")
	require.NoError(t, rcv.Flow(100, false))
	pump(t, a, b)
	return snd, rcv
}

func TestPipeBeginHandshake(t *testing.T) {
	a, b, sess, accepted := mappedPair(t, nil, nil)

	rc, ok := sess.RemoteChannel()
	require.True(t, ok)
	assert.Equal(t, accepted.Channel(), rc)
	rc, ok = accepted.RemoteChannel()
	require.True(t, ok)
	assert.Equal(t, sess.Channel(), rc)

	aStats, bStats := a.Stats(), b.Stats()
	assert.Equal(t, uint64(1), aStats.FramesSent, "initiator sent one Begin")
	assert.Equal(t, uint64(1), bStats.FramesSent, "acceptor replied with one Begin")
	assert.Zero(t, aStats.FramesDropped)
	assert.Zero(t, bStats.FramesDropped)
}

func TestEndToEndTransfer(t *testing.T) {
	a, b, sess, accepted := mappedPair(t, nil, &Options{
		SessionDefaults: &session.Options{IncomingWindow: 10, OutgoingWindow: 10},
	})
	snd, rcv := attachPair(t, a, b, sess, accepted)

	payload := []byte("hello across the pipe")
	d, err := snd.Send(payload, true)
	require.NoError(t, err)
	require.Equal(t, session.TransferOkay, d.TransferState)
	pump(t, a, b)

	msg, ok := rcv.Receive()
	require.True(t, ok)
	assert.Equal(t, payload, msg.Payload)
	assert.True(t, msg.Settled)
}

func TestEndToEndFragmentation(t *testing.T) {
	const maxFrame = 128
	a, b, sess, accepted := mappedPair(t,
		&Options{MaxFrameSize: maxFrame},
		&Options{
			MaxFrameSize:    maxFrame,
			SessionDefaults: &session.Options{IncomingWindow: 64, OutgoingWindow: 64},
		},
	)
	snd, rcv := attachPair(t, a, b, sess, accepted)

	// per-fragment payload capacity, derived from the real encoding
	probe := &amqp.Transfer{
		Handle:        snd.Handle(),
		DeliveryID:    new(uint32),
		DeliveryTag:   make([]byte, 8),
		MessageFormat: new(uint32),
		Settled:       true,
	}
	encoded, err := a.EncodeFrame(probe)
	require.NoError(t, err)
	available := maxFrame - len(encoded) - amqp.FrameHeaderSize
	require.Positive(t, available)

	payload := bytes.Repeat([]byte{0x5A}, 3*available+10)
	before := a.Stats().FramesSent

	d, err := snd.Send(payload, true)
	require.NoError(t, err)
	require.Equal(t, session.TransferOkay, d.TransferState)

	frames := a.Stats().FramesSent - before
	assert.Equal(t, uint64(4), frames, "payload of 3a+10 bytes splits into 4 frames")

	pump(t, a, b)
	msg, ok := rcv.Receive()
	require.True(t, ok)
	assert.Equal(t, payload, msg.Payload, "reassembly restores the payload byte for byte")
}

func TestBackpressureWithWindowOfOne(t *testing.T) {
	a, b, sess, accepted := mappedPair(t, nil, &Options{
		SessionDefaults: &session.Options{IncomingWindow: 1, OutgoingWindow: 1},
	})
	snd, rcv := attachPair(t, a, b, sess, accepted)

	const n = 5
	received := 0
	for sent := 0; sent < n; {
		d, err := snd.Send([]byte("drip"), true)
		require.NoError(t, err)
		switch d.TransferState {
		case session.TransferOkay:
			sent++
		case session.TransferBusy:
			// wait for the acceptor's refill Flow
		default:
			t.Fatalf("unexpected transfer state %s", d.TransferState)
		}
		pump(t, a, b)
		for {
			if _, ok := rcv.Receive(); !ok {
				break
			}
			received++
		}
	}
	assert.Equal(t, n, received)
}

func TestProcessOutgoingEnforcesRemoteMaxFrameSize(t *testing.T) {
	a, _ := Pipe(nil, &Options{MaxFrameSize: 16})

	err := a.ProcessOutgoing(0, &amqp.Begin{IncomingWindow: 1, OutgoingWindow: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds remote max frame size")
}

func TestDispositionCrossesThePipe(t *testing.T) {
	a, b, sess, accepted := mappedPair(t, nil, &Options{
		SessionDefaults: &session.Options{IncomingWindow: 10, OutgoingWindow: 10},
	})
	snd, rcv := attachPair(t, a, b, sess, accepted)

	d, err := snd.Send([]byte("ack me"), false)
	require.NoError(t, err)
	require.Equal(t, session.TransferOkay, d.TransferState)
	pump(t, a, b)
	require.Equal(t, 1, snd.Unsettled())

	msg, ok := rcv.Receive()
	require.True(t, ok)
	require.NoError(t, rcv.Settle(msg.DeliveryID, msg.DeliveryID, amqp.DeliveryStateAccepted))
	pump(t, a, b)

	assert.Equal(t, 0, snd.Unsettled())
	assert.Equal(t, amqp.DeliveryStateAccepted, d.RemoteState)
}

func TestEndHandshakeAcrossPipe(t *testing.T) {
	a, b, sess, accepted := mappedPair(t, nil, nil)

	require.NoError(t, sess.End(nil, 0))
	pump(t, a, b)

	assert.Equal(t, session.StateUnmapped, sess.State())
	assert.Equal(t, session.StateUnmapped, accepted.State())
}

func TestCloseDiscardsSessions(t *testing.T) {
	a, b, sess, _ := mappedPair(t, nil, nil)

	a.Close()
	assert.True(t, a.Closed())
	assert.Equal(t, session.StateDiscarding, sess.State())

	_, err := a.OpenSession(nil)
	require.Error(t, err)
	_ = b
}

func TestFramesForUnknownChannelAreDropped(t *testing.T) {
	a, b := Pipe(nil, nil)

	// an End with no established route has nowhere to go
	require.NoError(t, a.ProcessOutgoing(9, &amqp.End{}))
	require.NoError(t, b.Pump(false))

	assert.Equal(t, uint64(1), b.Stats().FramesDropped)
	assert.Zero(t, b.Stats().FramesDelivered)
}
