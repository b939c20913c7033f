package session

import (
	"github.com/samber/oops"

	"github.com/wireamqp/amqpmux/lib/amqp"
	"github.com/wireamqp/amqpmux/lib/util/logger"
)

// receiverQueueDepth bounds buffered reassembled messages per link.
const receiverQueueDepth = 100

// Message is one fully reassembled delivery handed to the application.
type Message struct {
	DeliveryID    uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	Payload       []byte
}

// ReceiverLink is the receiving end of a link: it accumulates transfer
// fragments until the final frame, queues reassembled messages, and issues
// credit and dispositions.
type ReceiverLink struct {
	link

	messages chan *Message

	// in-progress multi-frame transfer
	assembling      bool
	assemblyID      uint32
	assemblyTag     []byte
	assemblyFormat  *uint32
	assemblySettled bool
	buf             []byte

	unsettled map[uint32]struct{}
}

// CreateReceiverLink creates a receiver link for the given source address
// and assigns it a handle. The Attach frame is sent by Attach().
func (s *Session) CreateReceiverLink(source string, opts *LinkOptions) (*ReceiverLink, error) {
	l, err := s.newLocalLink(amqp.RoleReceiver, source, "", opts)
	if err != nil {
		return nil, err
	}
	rcv := &ReceiverLink{
		link:      *l,
		messages:  make(chan *Message, receiverQueueDepth),
		unsettled: make(map[uint32]struct{}),
	}
	s.links[rcv.name] = rcv
	s.outputHandles[rcv.handle] = rcv
	return rcv, nil
}

// newReceiverFromAttach answers a peer sender's attach with a local
// receiver.
func newReceiverFromAttach(s *Session, handle uint32, fr *amqp.Attach) *ReceiverLink {
	return &ReceiverLink{
		link: link{
			session: s,
			name:    fr.Name,
			role:    amqp.RoleReceiver,
			handle:  handle,
			source:  fr.Source,
			target:  fr.Target,
		},
		messages:  make(chan *Message, receiverQueueDepth),
		unsettled: make(map[uint32]struct{}),
	}
}

// Receive returns the next reassembled message, or false when none is
// queued. It never blocks: the caller drives delivery by pumping the
// Connection.
func (l *ReceiverLink) Receive() (*Message, bool) {
	select {
	case msg := <-l.messages:
		return msg, true
	default:
		return nil, false
	}
}

// Flow grants the peer sender credit for the given number of deliveries.
func (l *ReceiverLink) Flow(credit uint32, drain bool) error {
	if l.closed {
		return ErrLinkClosed
	}
	l.linkCredit = credit
	handle := l.handle
	count := l.deliveryCount
	fr := &amqp.Flow{
		Handle:        &handle,
		DeliveryCount: &count,
		LinkCredit:    &credit,
		Drain:         drain,
	}
	return l.session.outgoingFlow(fr)
}

// Settle sends a Disposition covering [first, last] and drops the range
// from the unsettled set. last == first settles a single delivery.
func (l *ReceiverLink) Settle(first, last uint32, state amqp.DeliveryState) error {
	if l.closed {
		return ErrLinkClosed
	}
	if last < first {
		return oops.Errorf("disposition range inverted: first %d, last %d", first, last)
	}
	fr := &amqp.Disposition{
		Role:    amqp.RoleReceiver,
		First:   first,
		Settled: true,
		State:   state,
	}
	if last != first {
		end := last
		fr.Last = &end
	}
	if err := l.session.outgoingDisposition(fr); err != nil {
		return err
	}
	for id := first; ; id++ {
		delete(l.unsettled, id)
		if id == last {
			break
		}
	}
	return nil
}

// incomingTransfer accumulates fragments: payloads concatenate while More
// is set and the reassembled message is queued on the final frame.
func (l *ReceiverLink) incomingTransfer(fr *amqp.Transfer) {
	if !l.assembling {
		l.assembling = true
		if fr.DeliveryID != nil {
			l.assemblyID = *fr.DeliveryID
		}
		l.assemblyTag = fr.DeliveryTag
		l.assemblyFormat = fr.MessageFormat
		l.assemblySettled = fr.Settled
		l.buf = l.buf[:0]
	}
	l.buf = append(l.buf, fr.Payload...)

	if fr.Aborted {
		l.assembling = false
		l.buf = l.buf[:0]
		return
	}
	if fr.More {
		return
	}

	payload := make([]byte, len(l.buf))
	copy(payload, l.buf)
	msg := &Message{
		DeliveryID:    l.assemblyID,
		DeliveryTag:   l.assemblyTag,
		MessageFormat: l.assemblyFormat,
		Settled:       l.assemblySettled,
		Payload:       payload,
	}
	l.assembling = false
	l.buf = l.buf[:0]

	l.deliveryCount++
	if l.linkCredit > 0 {
		l.linkCredit--
	}
	if !msg.Settled {
		l.unsettled[msg.DeliveryID] = struct{}{}
	}

	select {
	case l.messages <- msg:
	default:
		log.WithFields(logger.Fields{
			"at":         "(ReceiverLink) incomingTransfer",
			"link":       l.name,
			"deliveryID": msg.DeliveryID,
		}).Error("receiver_queue_full_message_dropped")
	}
}

// incomingFlow on a receiver reflects the peer sender's state (available
// deliveries, drain completion); only an echo request needs a reply.
func (l *ReceiverLink) incomingFlow(fr *amqp.Flow) {
	if fr.Echo && fr.Handle != nil {
		if err := l.Flow(l.linkCredit, false); err != nil {
			log.WithFields(logger.Fields{
				"at":    "(ReceiverLink) incomingFlow",
				"link":  l.name,
				"error": err.Error(),
			}).Error("failed_to_echo_link_flow")
		}
	}
}

// incomingDisposition from a peer acting as sender releases our record of
// the range; ids outside the unsettled set are not ours.
func (l *ReceiverLink) incomingDisposition(fr *amqp.Disposition) {
	if fr.Role != amqp.RoleSender {
		return
	}
	last := fr.First
	if fr.Last != nil {
		last = *fr.Last
	}
	if last < fr.First {
		log.WithFields(logger.Fields{
			"at":    "(ReceiverLink) incomingDisposition",
			"link":  l.name,
			"first": fr.First,
			"last":  last,
		}).Warn("disposition_range_inverted")
		return
	}
	for id := fr.First; ; id++ {
		delete(l.unsettled, id)
		if id == last {
			break
		}
	}
}
