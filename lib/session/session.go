package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/wireamqp/amqpmux/lib/amqp"
	"github.com/wireamqp/amqpmux/lib/util/logger"
)

// WaitForever makes Begin and End block until the target state is reached
// (or the Connection is torn down).
const WaitForever time.Duration = -1

// DefaultIdleWait is the sleep between Connection pump rounds while a
// blocking Begin or End waits for the peer.
const DefaultIdleWait = 100 * time.Millisecond

// Connection is the transport collaborator a Session is multiplexed over.
// It owns byte framing, sockets and the wire codec; the Session only hands
// it performatives and pumps it for inbound frames.
type Connection interface {
	// ProcessOutgoing submits a frame for transmission on the given channel.
	ProcessOutgoing(channel uint16, body amqp.FrameBody) error

	// RemoteMaxFrameSize is the frame size limit advertised by the peer.
	RemoteMaxFrameSize() uint32

	// Pump delivers pending inbound frames to their sessions. With block
	// set it waits for at least one frame to arrive first. This is the
	// poll target for blocking session waits.
	Pump(block bool) error

	// Closed reports whether the connection has reached a terminal state.
	Closed() bool
}

// Options configures a Session. The zero value of any field falls back to
// the defaults below.
type Options struct {
	// Name labels the session in diagnostics. Defaults to a random UUID.
	Name string

	// NextOutgoingID is the transfer-id of the first outgoing transfer.
	NextOutgoingID uint32

	// IncomingWindow and OutgoingWindow bound how many transfer frames may
	// be outstanding in each direction. Default 1 each.
	IncomingWindow uint32
	OutgoingWindow uint32

	// HandleMax bounds concurrently attached link handles.
	// Default: the protocol maximum.
	HandleMax uint32

	Properties          map[string]interface{}
	OfferedCapabilities []string
	DesiredCapabilities []string

	// DisallowPipelinedOpen makes Begin(0) an error: the caller must wait
	// for the peer's Begin before using the session.
	DisallowPipelinedOpen bool

	// IdleWait is the sleep between pump rounds in blocking waits.
	IdleWait time.Duration

	// Encoder overrides the frame encoder used to size outgoing transfers.
	// When nil the Connection is used if it implements amqp.Encoder.
	Encoder amqp.Encoder
}

// Session multiplexes links over one channel of a Connection.
//
// All mutating methods must be called from the single goroutine driving
// the owning Connection; see the package documentation.
type Session struct {
	name    string
	state   State
	channel uint16

	remoteChannel    uint16
	remoteChannelSet bool

	nextOutgoingID    uint32
	nextIncomingID    uint32
	nextIncomingIDSet bool

	incomingWindow       uint32
	outgoingWindow       uint32
	targetIncomingWindow uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32

	handleMax uint32

	properties          map[string]interface{}
	remoteProperties    map[string]interface{}
	offeredCapabilities []string
	desiredCapabilities []string

	allowPipelinedOpen bool
	idleWait           time.Duration

	conn    Connection
	encoder amqp.Encoder

	links         map[string]Link
	outputHandles map[uint32]Link
	inputHandles  map[uint32]Link

	// closed then re-made on every state change; observers may select on
	// StateChanged() instead of polling.
	stateChanged chan struct{}
}

// NewSession creates a session on the given channel. The channel number is
// immutable for the session's life. opts may be nil.
func NewSession(conn Connection, channel uint16, opts *Options) (*Session, error) {
	if opts == nil {
		opts = &Options{}
	}
	name := opts.Name
	if name == "" {
		name = uuid.NewString()
	}
	incoming := opts.IncomingWindow
	if incoming == 0 {
		incoming = 1
	}
	outgoing := opts.OutgoingWindow
	if outgoing == 0 {
		outgoing = 1
	}
	handleMax := opts.HandleMax
	if handleMax == 0 {
		handleMax = amqp.DefaultHandleMax
	}
	idleWait := opts.IdleWait
	if idleWait <= 0 {
		idleWait = DefaultIdleWait
	}
	encoder := opts.Encoder
	if encoder == nil {
		if enc, ok := conn.(amqp.Encoder); ok {
			encoder = enc
		}
	}
	if encoder == nil {
		return nil, ErrNoEncoder
	}

	return &Session{
		name:                 name,
		state:                StateUnmapped,
		channel:              channel,
		nextOutgoingID:       opts.NextOutgoingID,
		incomingWindow:       incoming,
		outgoingWindow:       outgoing,
		targetIncomingWindow: incoming,
		handleMax:            handleMax,
		properties:           opts.Properties,
		offeredCapabilities:  opts.OfferedCapabilities,
		desiredCapabilities:  opts.DesiredCapabilities,
		allowPipelinedOpen:   !opts.DisallowPipelinedOpen,
		idleWait:             idleWait,
		conn:                 conn,
		encoder:              encoder,
		links:                make(map[string]Link),
		outputHandles:        make(map[uint32]Link),
		inputHandles:         make(map[uint32]Link),
		stateChanged:         make(chan struct{}),
	}, nil
}

// Name returns the session's diagnostic label.
func (s *Session) Name() string { return s.name }

// Channel returns the local channel number.
func (s *Session) Channel() uint16 { return s.channel }

// RemoteChannel returns the channel the peer sends this session's frames
// on, once the peer's Begin has been processed.
func (s *Session) RemoteChannel() (uint16, bool) {
	return s.remoteChannel, s.remoteChannelSet
}

// State returns the current session state.
func (s *Session) State() State { return s.state }

// StateChanged returns a channel closed on the next state transition.
func (s *Session) StateChanged() <-chan struct{} { return s.stateChanged }

// NextOutgoingID returns the transfer-id the next outgoing transfer will use.
func (s *Session) NextOutgoingID() uint32 { return s.nextOutgoingID }

// Windows returns the local incoming and outgoing window sizes.
func (s *Session) Windows() (incoming, outgoing uint32) {
	return s.incomingWindow, s.outgoingWindow
}

// RemoteWindows returns the peer-advertised incoming and outgoing windows
// as last derived from Begin and Flow frames.
func (s *Session) RemoteWindows() (incoming, outgoing uint32) {
	return s.remoteIncomingWindow, s.remoteOutgoingWindow
}

// LinkByName returns the tracked link with the given name.
func (s *Session) LinkByName(name string) (Link, bool) {
	l, ok := s.links[name]
	return l, ok
}

// Links returns all tracked links.
func (s *Session) Links() []Link {
	out := make([]Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	return out
}

func (s *Session) setState(next State) {
	prev := s.state
	s.state = next
	log.WithFields(logger.Fields{
		"at":      "(Session) setState",
		"session": s.name,
		"channel": s.channel,
		"from":    prev.String(),
		"to":      next.String(),
	}).Debug("session_state_changed")

	close(s.stateChanged)
	s.stateChanged = make(chan struct{})

	for _, l := range s.links {
		l.sessionStateChanged(next)
	}
}

// Begin sends the session's Begin frame. With a positive wait (or
// WaitForever) it pumps the Connection until the session is Mapped or the
// wait elapses; an elapsed wait is not an error, inspect State().
// Without a wait the open is pipelined, which Options.DisallowPipelinedOpen
// turns into an error.
func (s *Session) Begin(wait time.Duration) error {
	if err := s.outgoingBegin(); err != nil {
		return err
	}
	s.setState(StateBeginSent)
	if wait != 0 {
		s.waitForState(StateMapped, wait)
		return nil
	}
	if !s.allowPipelinedOpen {
		return ErrPipelinedOpenDisallowed
	}
	return nil
}

// End closes the session. A non-nil err puts the session in Discarding and
// travels inside the End frame. Ending an already-ended session is a no-op.
// wait behaves as in Begin, with UNMAPPED as the target state.
func (s *Session) End(endErr *amqp.Error, wait time.Duration) error {
	switch s.state {
	case StateMapped, StateBeginSent, StateBeginReceived:
		if err := s.outgoingEnd(endErr); err != nil {
			log.WithFields(logger.Fields{
				"at":      "(Session) End",
				"session": s.name,
				"error":   err.Error(),
			}).Error("failed_to_send_end")
			s.detachLinks()
			s.setState(StateUnmapped)
			return err
		}
		s.detachLinks()
		if endErr != nil {
			s.setState(StateDiscarding)
		} else {
			s.setState(StateEndSent)
		}
	default:
		// already ending or ended
	}
	s.waitForState(StateUnmapped, wait)
	return nil
}

// OnConnectionStateChange is called by the owning Connection when its own
// state changes. A terminal connection discards any session that is not
// already terminal.
func (s *Session) OnConnectionStateChange() {
	if !s.conn.Closed() {
		return
	}
	if s.state != StateUnmapped && s.state != StateDiscarding {
		s.setState(StateDiscarding)
	}
}

// OnIncomingFrame is the dispatch entry point called by the Connection for
// every inbound session-scoped frame. channel is the wire channel the
// frame arrived on (the peer's channel for this session).
func (s *Session) OnIncomingFrame(channel uint16, body amqp.FrameBody) error {
	switch fr := body.(type) {
	case *amqp.Begin:
		s.incomingBegin(channel, fr)
	case *amqp.End:
		s.incomingEnd(fr)
	case *amqp.Attach:
		s.incomingAttach(fr)
	case *amqp.Detach:
		s.incomingDetach(fr)
	case *amqp.Flow:
		s.incomingFlow(fr)
	case *amqp.Transfer:
		s.incomingTransfer(fr)
	case *amqp.Disposition:
		s.incomingDisposition(fr)
	default:
		return oops.Errorf("unexpected frame body %T on channel %d", body, channel)
	}
	return nil
}

func (s *Session) outgoingBegin() error {
	begin := &amqp.Begin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
		Properties:     s.properties,
	}
	if s.state == StateBeginReceived {
		rc := s.remoteChannel
		begin.RemoteChannel = &rc
		begin.OfferedCapabilities = s.offeredCapabilities
	}
	if s.state == StateUnmapped {
		begin.DesiredCapabilities = s.desiredCapabilities
	}
	return s.conn.ProcessOutgoing(s.channel, begin)
}

func (s *Session) incomingBegin(channel uint16, fr *amqp.Begin) {
	s.handleMax = fr.HandleMax
	s.nextIncomingID = fr.NextOutgoingID
	s.nextIncomingIDSet = true
	s.remoteIncomingWindow = fr.IncomingWindow
	s.remoteOutgoingWindow = fr.OutgoingWindow
	s.remoteProperties = fr.Properties

	switch s.state {
	case StateBeginSent:
		s.remoteChannel = channel
		s.remoteChannelSet = true
		s.setState(StateMapped)
	case StateUnmapped:
		s.remoteChannel = channel
		s.remoteChannelSet = true
		s.setState(StateBeginReceived)
		if err := s.outgoingBegin(); err != nil {
			log.WithFields(logger.Fields{
				"at":      "(Session) incomingBegin",
				"session": s.name,
				"error":   err.Error(),
			}).Error("failed_to_reply_begin")
			return
		}
		s.setState(StateMapped)
	default:
		log.WithFields(logger.Fields{
			"at":      "(Session) incomingBegin",
			"session": s.name,
			"state":   s.state.String(),
		}).Warn("begin_in_unexpected_state")
	}
}

func (s *Session) outgoingEnd(endErr *amqp.Error) error {
	return s.conn.ProcessOutgoing(s.channel, &amqp.End{Error: endErr})
}

func (s *Session) incomingEnd(fr *amqp.End) {
	if fr.Error != nil {
		log.WithFields(logger.Fields{
			"at":          "(Session) incomingEnd",
			"session":     s.name,
			"condition":   string(fr.Error.Condition),
			"description": fr.Error.Description,
		}).Error("session_ended_by_peer")
	}
	switch s.state {
	case StateUnmapped:
		// stray End on an unmapped channel
		return
	case StateEndSent, StateEndReceived, StateDiscarding:
		// our End is already on the wire; this completes the handshake
	default:
		s.setState(StateEndReceived)
		s.detachLinks()
		if err := s.outgoingEnd(nil); err != nil {
			log.WithFields(logger.Fields{
				"at":      "(Session) incomingEnd",
				"session": s.name,
				"error":   err.Error(),
			}).Error("failed_to_reply_end")
		}
	}
	s.setState(StateUnmapped)
}

// endWithProtocolError is the fatal path for handle-space corruption: the
// session stops processing and tells the peer why.
func (s *Session) endWithProtocolError(endErr *amqp.Error) {
	log.WithFields(logger.Fields{
		"at":          "(Session) endWithProtocolError",
		"session":     s.name,
		"channel":     s.channel,
		"condition":   string(endErr.Condition),
		"description": endErr.Description,
	}).Error("session_protocol_violation")
	s.setState(StateDiscarding)
	if err := s.outgoingEnd(endErr); err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Session) endWithProtocolError",
			"session": s.name,
			"error":   err.Error(),
		}).Error("failed_to_send_end")
	}
	s.detachLinks()
}

func (s *Session) detachLinks() {
	for _, l := range s.links {
		l.forceDetach()
	}
}

// waitForState pumps the Connection until the session reaches target or
// wait elapses. wait < 0 (WaitForever) never times out; wait == 0 returns
// immediately.
func (s *Session) waitForState(target State, wait time.Duration) bool {
	if wait == 0 {
		return s.state == target
	}
	var deadline time.Time
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}
	for {
		if s.state == target {
			return true
		}
		if err := s.conn.Pump(false); err != nil {
			log.WithFields(logger.Fields{
				"at":      "(Session) waitForState",
				"session": s.name,
				"error":   err.Error(),
			}).Debug("pump_failed_while_waiting")
		}
		if s.state == target {
			return true
		}
		if s.conn.Closed() {
			return s.state == target
		}
		if wait > 0 && !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(s.idleWait)
	}
}
