package session

import (
	"fmt"

	"github.com/wireamqp/amqpmux/lib/amqp"
	"github.com/wireamqp/amqpmux/lib/util/logger"
)

// allocateHandle picks the smallest unused handle in [0, handleMax).
// Smallest-available keeps handle numbers dense and predictable: a retired
// handle is reused as soon as its link is fully detached.
func (s *Session) allocateHandle() (uint32, error) {
	if uint32(len(s.outputHandles)) >= s.handleMax {
		return 0, ErrHandlesExhausted
	}
	for h := uint32(0); h < s.handleMax; h++ {
		if _, used := s.outputHandles[h]; !used {
			return h, nil
		}
	}
	return 0, ErrHandlesExhausted
}

// releaseLinkByName drops a fully detached link from the handle tables,
// retiring its handle for reuse.
func (s *Session) releaseLinkByName(name string) {
	l, ok := s.links[name]
	if !ok {
		return
	}
	s.releaseLink(l)
}

func (s *Session) releaseLink(l Link) {
	delete(s.links, l.Name())
	delete(s.outputHandles, l.Handle())
	if rh, ok := l.RemoteHandle(); ok {
		delete(s.inputHandles, rh)
	}
	log.WithFields(logger.Fields{
		"at":      "(Session) releaseLink",
		"session": s.name,
		"link":    l.Name(),
		"handle":  l.Handle(),
	}).Debug("link_released")
}

func (s *Session) outgoingAttach(fr *amqp.Attach) error {
	// handle is already assigned; forwarded unmodified
	return s.conn.ProcessOutgoing(s.channel, fr)
}

func (s *Session) incomingAttach(fr *amqp.Attach) {
	if l, ok := s.links[fr.Name]; ok {
		// outgoing attach in flight for this name: bind the peer's handle
		s.inputHandles[fr.Handle] = l
		l.incomingAttach(fr)
		return
	}

	// peer-initiated link
	handle, err := s.allocateHandle()
	if err != nil {
		log.WithFields(logger.Fields{
			"at":        "(Session) incomingAttach",
			"session":   s.name,
			"link":      fr.Name,
			"handleMax": s.handleMax,
		}).Error("cannot_allocate_handle_for_inbound_link")
		detach := &amqp.Detach{
			Handle: fr.Handle,
			Closed: true,
			Error: &amqp.Error{
				Condition: amqp.ErrCondLinkDetachForced,
				Description: fmt.Sprintf(
					"cannot allocate more handles, the max number of handles is %d, detaching link", s.handleMax),
			},
		}
		if sendErr := s.outgoingDetach(detach); sendErr != nil {
			log.WithFields(logger.Fields{
				"at":      "(Session) incomingAttach",
				"session": s.name,
				"error":   sendErr.Error(),
			}).Error("failed_to_send_forced_detach")
		}
		return
	}

	// roles are always complementary: a peer sender is answered by a
	// local receiver and vice versa
	var l Link
	if fr.Role == amqp.RoleSender {
		l = newReceiverFromAttach(s, handle, fr)
	} else {
		l = newSenderFromAttach(s, handle, fr)
	}
	s.links[l.Name()] = l
	s.outputHandles[handle] = l
	s.inputHandles[fr.Handle] = l
	l.incomingAttach(fr)
}

func (s *Session) outgoingDetach(fr *amqp.Detach) error {
	return s.conn.ProcessOutgoing(s.channel, fr)
}

func (s *Session) incomingDetach(fr *amqp.Detach) {
	l, ok := s.inputHandles[fr.Handle]
	if !ok {
		// handle-space corruption cannot be isolated to one link
		s.endWithProtocolError(&amqp.Error{
			Condition: amqp.ErrCondSessionUnattachedHandle,
			Description: "invalid handle reference in received frame: " +
				"handle is not currently associated with an attached link",
		})
		return
	}
	l.incomingDetach(fr)
}

func (s *Session) outgoingDisposition(fr *amqp.Disposition) error {
	return s.conn.ProcessOutgoing(s.channel, fr)
}

// incomingDisposition is broadcast to every tracked link: disposition
// ranges are per link, so each link tests range membership itself and a
// second delivery-id index is unnecessary.
func (s *Session) incomingDisposition(fr *amqp.Disposition) {
	for _, l := range s.inputHandles {
		l.incomingDisposition(fr)
	}
}
