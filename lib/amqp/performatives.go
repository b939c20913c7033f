package amqp

// Protocol-level limits and sizes.
const (
	// DefaultHandleMax is the protocol maximum for link handles on a session.
	DefaultHandleMax uint32 = 4294967295

	// DefaultMaxFrameSize is the frame size advertised when a transport does
	// not negotiate its own limit.
	DefaultMaxFrameSize uint32 = 65536

	// FrameHeaderSize is the fixed size of the AMQP frame header in bytes.
	// It is not part of the encoded body and must be accounted for
	// separately when budgeting payload against a max-frame-size limit.
	FrameHeaderSize = 8
)

// Role identifies which end of a link a peer occupies. The wire encoding is
// a boolean: false for sender, true for receiver.
type Role bool

const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

// Complement returns the opposite role. Link roles are always complementary:
// a peer attaching as sender is answered by a receiver and vice versa.
func (r Role) Complement() Role {
	return !r
}

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// DeliveryState is the terminal or intermediate outcome attached to a
// Transfer or Disposition.
type DeliveryState uint8

const (
	DeliveryStateNone DeliveryState = iota
	DeliveryStateReceived
	DeliveryStateAccepted
	DeliveryStateRejected
	DeliveryStateReleased
	DeliveryStateModified
)

func (d DeliveryState) String() string {
	switch d {
	case DeliveryStateReceived:
		return "received"
	case DeliveryStateAccepted:
		return "accepted"
	case DeliveryStateRejected:
		return "rejected"
	case DeliveryStateReleased:
		return "released"
	case DeliveryStateModified:
		return "modified"
	default:
		return "none"
	}
}

// FrameBody is implemented by every session-scoped performative.
type FrameBody interface {
	frameBody()
}

// Begin opens a session on a channel (AMQP 1.0 section 2.7.2).
type Begin struct {
	// RemoteChannel is set on a reply Begin to the channel number the
	// initiating peer chose. Nil on a locally initiated Begin.
	RemoteChannel *uint16

	NextOutgoingID uint32
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32

	OfferedCapabilities []string
	DesiredCapabilities []string
	Properties          map[string]interface{}
}

// End closes a session, optionally reporting the error that forced it
// (AMQP 1.0 section 2.7.9).
type End struct {
	Error *Error
}

// Attach establishes a link on a session (AMQP 1.0 section 2.7.3).
type Attach struct {
	Name   string
	Handle uint32
	Role   Role

	SndSettleMode *uint8
	RcvSettleMode *uint8

	Source string
	Target string

	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	Properties           map[string]interface{}
}

// Detach tears down a link (AMQP 1.0 section 2.7.8).
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

// Flow carries session and link flow-control state (AMQP 1.0 section 2.7.4).
// Session-level fields are always present; the link-scoped fields are only
// meaningful when Handle is set.
type Flow struct {
	// NextIncomingID is nil on the first Flow a peer sends before it has
	// received our Begin and therefore does not yet know our outgoing id.
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32

	Handle        *uint32
	DeliveryCount *uint32
	LinkCredit    *uint32
	Available     *uint32
	Drain         bool
	Echo          bool
}

// Transfer carries message payload, possibly fragmented across several
// frames (AMQP 1.0 section 2.7.5). Every fragment of one delivery shares
// the same DeliveryID; More is true on all but the final fragment.
type Transfer struct {
	Handle        uint32
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	More          bool
	RcvSettleMode *uint8
	State         DeliveryState
	Resume        bool
	Aborted       bool
	Batchable     bool

	Payload []byte
}

// Disposition settles a contiguous range of deliveries by delivery-id
// (AMQP 1.0 section 2.7.6). Last nil means the range is just First.
type Disposition struct {
	Role      Role
	First     uint32
	Last      *uint32
	Settled   bool
	State     DeliveryState
	Batchable bool
}

func (*Begin) frameBody()       {}
func (*End) frameBody()         {}
func (*Attach) frameBody()      {}
func (*Detach) frameBody()      {}
func (*Flow) frameBody()        {}
func (*Transfer) frameBody()    {}
func (*Disposition) frameBody() {}
