package session

// State is the session endpoint state (AMQP 1.0 section 2.5.5).
type State int

const (
	// StateUnmapped is both the initial and the terminal state: no channel
	// mapping exists between the peers.
	StateUnmapped State = iota
	// StateBeginSent means a local Begin is on the wire, awaiting the
	// peer's reply.
	StateBeginSent
	// StateBeginReceived means the peer's Begin arrived first and our
	// reply is pending.
	StateBeginReceived
	// StateMapped means both Begin frames have been exchanged; transfers
	// and flow frames may move.
	StateMapped
	// StateEndSent means a local End is on the wire.
	StateEndSent
	// StateEndReceived means the peer ended the session first.
	StateEndReceived
	// StateDiscarding is End-sent with an error: inbound frames other than
	// the peer's End are discarded.
	StateDiscarding
)

func (s State) String() string {
	switch s {
	case StateUnmapped:
		return "UNMAPPED"
	case StateBeginSent:
		return "BEGIN_SENT"
	case StateBeginReceived:
		return "BEGIN_RCVD"
	case StateMapped:
		return "MAPPED"
	case StateEndSent:
		return "END_SENT"
	case StateEndReceived:
		return "END_RCVD"
	case StateDiscarding:
		return "DISCARDING"
	default:
		return "UNKNOWN"
	}
}
