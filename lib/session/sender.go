package session

import (
	"encoding/binary"

	"github.com/wireamqp/amqpmux/lib/amqp"
	"github.com/wireamqp/amqpmux/lib/util/logger"
)

// SenderLink is the sending end of a link: it builds deliveries, hands
// them to the session for (possibly fragmented) transmission, and settles
// them from incoming dispositions.
type SenderLink struct {
	link

	unsettled map[uint32]*Delivery
	nextTag   uint64
}

// CreateSenderLink creates a sender link targeting the given address and
// assigns it a handle. The Attach frame is sent by Attach().
func (s *Session) CreateSenderLink(target string, opts *LinkOptions) (*SenderLink, error) {
	l, err := s.newLocalLink(amqp.RoleSender, "", target, opts)
	if err != nil {
		return nil, err
	}
	snd := &SenderLink{link: *l, unsettled: make(map[uint32]*Delivery)}
	s.links[snd.name] = snd
	s.outputHandles[snd.handle] = snd
	return snd, nil
}

// newLocalLink builds the shared base for a locally created link.
func (s *Session) newLocalLink(role amqp.Role, source, target string, opts *LinkOptions) (*link, error) {
	if opts == nil {
		opts = &LinkOptions{}
	}
	name := opts.Name
	if name == "" {
		name = newLinkName()
	}
	if _, exists := s.links[name]; exists {
		return nil, ErrLinkNameInUse
	}
	handle, err := s.allocateHandle()
	if err != nil {
		return nil, err
	}
	if source == "" {
		source = opts.Source
	}
	if target == "" {
		target = opts.Target
	}
	return &link{
		session:        s,
		name:           name,
		role:           role,
		handle:         handle,
		source:         source,
		target:         target,
		maxMessageSize: opts.MaxMessageSize,
		properties:     opts.Properties,
	}, nil
}

// newSenderFromAttach answers a peer receiver's attach with a local sender.
func newSenderFromAttach(s *Session, handle uint32, fr *amqp.Attach) *SenderLink {
	return &SenderLink{
		link: link{
			session: s,
			name:    fr.Name,
			role:    amqp.RoleSender,
			handle:  handle,
			source:  fr.Source,
			target:  fr.Target,
		},
		unsettled: make(map[uint32]*Delivery),
	}
}

// Send submits a payload as one delivery. The returned Delivery's
// TransferState reports the session-level outcome: TransferBusy means the
// peer's incoming window is exhausted and the caller should retry after
// the next Flow.
func (l *SenderLink) Send(payload []byte, settled bool) (*Delivery, error) {
	if l.closed {
		return nil, ErrLinkClosed
	}
	var format uint32
	d := &Delivery{
		frame: &amqp.Transfer{
			Handle:        l.handle,
			DeliveryTag:   l.newDeliveryTag(),
			MessageFormat: &format,
			Settled:       settled,
			Payload:       payload,
		},
	}
	l.session.outgoingTransfer(d)
	if d.TransferState == TransferOkay {
		l.deliveryCount++
		if l.linkCredit > 0 {
			l.linkCredit--
		}
		if !settled {
			l.unsettled[d.id] = d
		}
	}
	return d, nil
}

// Unsettled returns the count of deliveries awaiting a disposition.
func (l *SenderLink) Unsettled() int { return len(l.unsettled) }

func (l *SenderLink) newDeliveryTag() []byte {
	tag := make([]byte, 8)
	binary.BigEndian.PutUint64(tag, l.nextTag)
	l.nextTag++
	return tag
}

// incomingFlow recomputes link credit from the peer receiver's view:
// credit = delivery-count(flow) + link-credit(flow) - delivery-count(local).
func (l *SenderLink) incomingFlow(fr *amqp.Flow) {
	if fr.LinkCredit != nil {
		var remoteCount uint32
		if fr.DeliveryCount != nil {
			remoteCount = *fr.DeliveryCount
		}
		l.linkCredit = remoteCount + *fr.LinkCredit - l.deliveryCount
	}
	if fr.Drain && fr.Handle != nil {
		// consume the remaining credit and report the advanced
		// delivery-count back
		l.deliveryCount += l.linkCredit
		l.linkCredit = 0
		handle := l.handle
		count := l.deliveryCount
		credit := uint32(0)
		reply := &amqp.Flow{
			Handle:        &handle,
			DeliveryCount: &count,
			LinkCredit:    &credit,
			Drain:         true,
		}
		if err := l.session.outgoingFlow(reply); err != nil {
			log.WithFields(logger.Fields{
				"at":    "(SenderLink) incomingFlow",
				"link":  l.name,
				"error": err.Error(),
			}).Error("failed_to_reply_drain_flow")
		}
	}
}

// incomingDisposition settles every unsettled delivery whose id falls in
// the frame's range. Ranges never span links, so ids outside our unsettled
// map are simply not ours.
func (l *SenderLink) incomingDisposition(fr *amqp.Disposition) {
	if fr.Role != amqp.RoleReceiver {
		return
	}
	last := fr.First
	if fr.Last != nil {
		last = *fr.Last
	}
	if last < fr.First {
		log.WithFields(logger.Fields{
			"at":    "(SenderLink) incomingDisposition",
			"link":  l.name,
			"first": fr.First,
			"last":  last,
		}).Warn("disposition_range_inverted")
		return
	}
	for id := fr.First; ; id++ {
		if d, ok := l.unsettled[id]; ok {
			d.RemoteState = fr.State
			d.RemoteSettled = fr.Settled
			if !fr.Settled {
				// peer wants our settlement confirmed (rcv-settle-mode
				// second)
				confirm := &amqp.Disposition{
					Role:    amqp.RoleSender,
					First:   id,
					Settled: true,
					State:   fr.State,
				}
				if err := l.session.outgoingDisposition(confirm); err != nil {
					log.WithFields(logger.Fields{
						"at":    "(SenderLink) incomingDisposition",
						"link":  l.name,
						"error": err.Error(),
					}).Error("failed_to_confirm_disposition")
				}
			}
			delete(l.unsettled, id)
		}
		if id == last {
			break
		}
	}
}

// a sender never receives transfers; one referencing our handle is noise
func (l *SenderLink) incomingTransfer(fr *amqp.Transfer) {
	log.WithFields(logger.Fields{
		"at":   "(SenderLink) incomingTransfer",
		"link": l.name,
	}).Warn("transfer_received_on_sender_link")
}
