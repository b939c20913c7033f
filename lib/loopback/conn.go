package loopback

import (
	"sync"

	"github.com/samber/oops"

	"github.com/wireamqp/amqpmux/lib/amqp"
	"github.com/wireamqp/amqpmux/lib/session"
	"github.com/wireamqp/amqpmux/lib/util/logger"
)

var log = logger.GetLogger()

// Options configures one half of a pipe.
type Options struct {
	// Name labels the half in diagnostics.
	Name string

	// MaxFrameSize is the frame size limit this half advertises to its
	// peer. Defaults to amqp.DefaultMaxFrameSize.
	MaxFrameSize uint32

	// SessionDefaults configures sessions created for peer-initiated
	// Begin frames.
	SessionDefaults *session.Options

	// OnSessionAccepted is called when a peer-initiated Begin creates a
	// new session on this half.
	OnSessionAccepted func(*session.Session)
}

type wireFrame struct {
	channel uint16
	body    amqp.FrameBody
	size    int
}

// Counters holds per-half traffic statistics.
type Counters struct {
	FramesSent      uint64
	FramesDelivered uint64
	FramesDropped   uint64
	BytesSent       uint64
}

// Conn is one half of an in-memory connection pair. It implements
// session.Connection and amqp.Encoder.
type Conn struct {
	name         string
	maxFrameSize uint32
	peer         *Conn

	opts Options

	mu       sync.Mutex
	cond     *sync.Cond
	inbox    []wireFrame
	closed   bool
	counters Counters

	// session routing; touched only by the pumping goroutine apart from
	// OpenSession, which the caller serializes with pumping
	sessions map[uint16]*session.Session
	routes   map[uint16]uint16 // inbound wire channel -> local session channel
}

var (
	_ session.Connection = (*Conn)(nil)
	_ amqp.Encoder       = (*Conn)(nil)
)

// Pipe creates two connected halves. Either Options pointer may be nil.
func Pipe(a, b *Options) (*Conn, *Conn) {
	ca := newConn(a, "loopback-a")
	cb := newConn(b, "loopback-b")
	ca.peer = cb
	cb.peer = ca
	log.WithFields(logger.Fields{
		"at": "Pipe",
		"a":  ca.name,
		"b":  cb.name,
	}).Debug("loopback_pipe_created")
	return ca, cb
}

func newConn(opts *Options, defaultName string) *Conn {
	if opts == nil {
		opts = &Options{}
	}
	name := opts.Name
	if name == "" {
		name = defaultName
	}
	maxFrame := opts.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = amqp.DefaultMaxFrameSize
	}
	c := &Conn{
		name:         name,
		maxFrameSize: maxFrame,
		opts:         *opts,
		sessions:     make(map[uint16]*session.Session),
		routes:       make(map[uint16]uint16),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Name returns the half's diagnostic label.
func (c *Conn) Name() string { return c.name }

// Stats returns a snapshot of the half's traffic counters.
func (c *Conn) Stats() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// OpenSession creates a locally initiated session on the smallest free
// channel. Call Begin on the returned session to start the handshake.
func (c *Conn) OpenSession(opts *session.Options) (*session.Session, error) {
	if c.Closed() {
		return nil, oops.Errorf("loopback connection %s is closed", c.name)
	}
	channel, err := c.freeChannel()
	if err != nil {
		return nil, err
	}
	sess, err := session.NewSession(c, channel, opts)
	if err != nil {
		return nil, err
	}
	c.sessions[channel] = sess
	return sess, nil
}

// Sessions returns the sessions currently known to this half.
func (c *Conn) Sessions() []*session.Session {
	out := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

func (c *Conn) freeChannel() (uint16, error) {
	for ch := uint16(0); ; ch++ {
		if _, used := c.sessions[ch]; !used {
			return ch, nil
		}
		if ch == 65535 {
			return 0, oops.Errorf("no free channels on %s", c.name)
		}
	}
}

// ProcessOutgoing encodes the frame, enforces the peer's max-frame-size
// and queues it for the peer's next pump.
func (c *Conn) ProcessOutgoing(channel uint16, body amqp.FrameBody) error {
	if c.Closed() {
		return oops.Errorf("loopback connection %s is closed", c.name)
	}
	encoded, err := encodeBody(body)
	if err != nil {
		return err
	}
	size := len(encoded) + amqp.FrameHeaderSize
	if limit := c.RemoteMaxFrameSize(); uint32(size) > limit {
		return oops.Errorf("frame of %d bytes exceeds remote max frame size %d", size, limit)
	}

	c.mu.Lock()
	c.counters.FramesSent++
	c.counters.BytesSent += uint64(size)
	c.mu.Unlock()

	peer := c.peer
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return oops.Errorf("peer connection %s is closed", peer.name)
	}
	peer.inbox = append(peer.inbox, wireFrame{channel: channel, body: body, size: size})
	peer.cond.Signal()
	return nil
}

// RemoteMaxFrameSize is the limit advertised by the peer half.
func (c *Conn) RemoteMaxFrameSize() uint32 {
	return c.peer.maxFrameSize
}

// EncodeFrame implements amqp.Encoder with the loopback wire encoding.
func (c *Conn) EncodeFrame(body amqp.FrameBody) ([]byte, error) {
	return encodeBody(body)
}

// Pump delivers queued inbound frames to their sessions. With block set it
// waits until at least one frame is queued or the half is closed.
func (c *Conn) Pump(block bool) error {
	c.mu.Lock()
	if block {
		for len(c.inbox) == 0 && !c.closed {
			c.cond.Wait()
		}
	}
	if c.closed && len(c.inbox) == 0 {
		c.mu.Unlock()
		return oops.Errorf("loopback connection %s is closed", c.name)
	}
	pending := c.inbox
	c.inbox = nil
	c.mu.Unlock()

	for _, fr := range pending {
		c.deliver(fr)
	}
	return nil
}

func (c *Conn) deliver(fr wireFrame) {
	sess, ok := c.routeFrame(fr)
	if !ok {
		c.mu.Lock()
		c.counters.FramesDropped++
		c.mu.Unlock()
		log.WithFields(logger.Fields{
			"at":      "(Conn) deliver",
			"conn":    c.name,
			"channel": fr.channel,
		}).Warn("frame_for_unknown_channel_dropped")
		return
	}
	if err := sess.OnIncomingFrame(fr.channel, fr.body); err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Conn) deliver",
			"conn":    c.name,
			"channel": fr.channel,
			"error":   err.Error(),
		}).Error("session_rejected_frame")
		return
	}
	c.mu.Lock()
	c.counters.FramesDelivered++
	c.mu.Unlock()
}

// routeFrame resolves the target session for an inbound frame. A Begin
// either completes a locally initiated handshake (remote-channel set) or
// opens a peer-initiated session on a fresh channel.
func (c *Conn) routeFrame(fr wireFrame) (*session.Session, bool) {
	if begin, ok := fr.body.(*amqp.Begin); ok {
		if begin.RemoteChannel != nil {
			target := *begin.RemoteChannel
			sess, exists := c.sessions[target]
			if !exists {
				return nil, false
			}
			c.routes[fr.channel] = target
			return sess, true
		}
		channel, err := c.freeChannel()
		if err != nil {
			return nil, false
		}
		sess, err := session.NewSession(c, channel, c.opts.SessionDefaults)
		if err != nil {
			log.WithFields(logger.Fields{
				"at":    "(Conn) routeFrame",
				"conn":  c.name,
				"error": err.Error(),
			}).Error("failed_to_accept_session")
			return nil, false
		}
		c.sessions[channel] = sess
		c.routes[fr.channel] = channel
		if c.opts.OnSessionAccepted != nil {
			c.opts.OnSessionAccepted(sess)
		}
		return sess, true
	}

	target, ok := c.routes[fr.channel]
	if !ok {
		return nil, false
	}
	sess, ok := c.sessions[target]
	return sess, ok
}

// Close marks the half terminal and notifies its sessions. Frames already
// queued on the peer remain deliverable.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.OnConnectionStateChange()
	}
	log.WithFields(logger.Fields{
		"at":   "(Conn) Close",
		"conn": c.name,
	}).Debug("loopback_conn_closed")
}

// Closed reports whether Close has been called on this half.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
