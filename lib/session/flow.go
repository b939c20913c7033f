package session

import (
	"github.com/wireamqp/amqpmux/lib/amqp"
	"github.com/wireamqp/amqpmux/lib/util/logger"
)

// outgoingFlow advertises the session's window state. linkFlow carries
// link-scoped fields (handle, credit, drain) when a link initiated the
// flow; nil emits a session-level flow.
func (s *Session) outgoingFlow(linkFlow *amqp.Flow) error {
	fr := linkFlow
	if fr == nil {
		fr = &amqp.Flow{}
	}
	if s.nextIncomingIDSet {
		id := s.nextIncomingID
		fr.NextIncomingID = &id
	}
	fr.IncomingWindow = s.incomingWindow
	fr.NextOutgoingID = s.nextOutgoingID
	fr.OutgoingWindow = s.outgoingWindow
	return s.conn.ProcessOutgoing(s.channel, fr)
}

func (s *Session) incomingFlow(fr *amqp.Flow) {
	s.nextIncomingID = fr.NextOutgoingID
	s.nextIncomingIDSet = true

	// The peer may omit next-incoming-id on its first Flow, before it has
	// seen our Begin; our own next-outgoing-id substitutes (AMQP 1.0
	// section 2.5.6).
	remoteIncomingID := s.nextOutgoingID
	if fr.NextIncomingID != nil {
		remoteIncomingID = *fr.NextIncomingID
	}
	// inFlight is serial arithmetic: the subtraction wraps correctly when
	// transfer-ids cross the uint32 boundary. The peer may shrink its
	// window below the in-flight count; the window clamps to zero instead
	// of wrapping, so transfers stay refused until a later Flow reopens it.
	inFlight := s.nextOutgoingID - remoteIncomingID
	if fr.IncomingWindow > inFlight {
		s.remoteIncomingWindow = fr.IncomingWindow - inFlight
	} else {
		s.remoteIncomingWindow = 0
	}
	s.remoteOutgoingWindow = fr.OutgoingWindow

	if fr.Handle != nil {
		l, ok := s.inputHandles[*fr.Handle]
		if !ok {
			log.WithFields(logger.Fields{
				"at":      "(Session) incomingFlow",
				"session": s.name,
				"handle":  *fr.Handle,
			}).Warn("flow_for_unattached_handle")
			return
		}
		l.incomingFlow(fr)
		return
	}

	// session-level flow: let every link that can still transmit decide
	// whether to spend the new window
	for _, l := range s.outputHandles {
		if s.remoteIncomingWindow > 0 && !l.Closed() {
			l.incomingFlow(fr)
		}
	}

	if fr.Echo {
		if err := s.outgoingFlow(nil); err != nil {
			log.WithFields(logger.Fields{
				"at":      "(Session) incomingFlow",
				"session": s.name,
				"error":   err.Error(),
			}).Error("failed_to_echo_flow")
		}
	}
}
