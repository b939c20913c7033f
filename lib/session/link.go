package session

import (
	"github.com/google/uuid"

	"github.com/wireamqp/amqpmux/lib/amqp"
	"github.com/wireamqp/amqpmux/lib/util/logger"
)

type linkState int

const (
	linkDetached linkState = iota
	linkAttachSent
	linkAttached
	linkDetachSent
)

// Link is the capability surface the session routes frames through. It is
// implemented by SenderLink and ReceiverLink.
type Link interface {
	Name() string
	Handle() uint32
	RemoteHandle() (uint32, bool)
	Role() amqp.Role
	Attached() bool
	Closed() bool

	// Attach sends the link's Attach frame.
	Attach() error
	// Detach closes the link, optionally carrying an error.
	Detach(detachErr *amqp.Error) error

	incomingAttach(*amqp.Attach)
	incomingFlow(*amqp.Flow)
	incomingTransfer(*amqp.Transfer)
	incomingDisposition(*amqp.Disposition)
	incomingDetach(*amqp.Detach)
	sessionStateChanged(State)
	forceDetach()
}

// LinkOptions configures a locally created link.
type LinkOptions struct {
	// Name labels the link; both peers key the link by it.
	// Defaults to a random UUID.
	Name string

	// Source and Target are the link's terminus addresses. CreateSenderLink
	// fills Target, CreateReceiverLink fills Source; the other end may be
	// set here.
	Source string
	Target string

	MaxMessageSize uint64
	Properties     map[string]interface{}
}

// link carries the state shared by both link variants.
type link struct {
	session *Session
	name    string
	role    amqp.Role

	handle          uint32
	remoteHandle    uint32
	remoteHandleSet bool

	source string
	target string

	state  linkState
	closed bool

	deliveryCount  uint32
	linkCredit     uint32
	maxMessageSize uint64
	properties     map[string]interface{}
}

func (l *link) Name() string    { return l.name }
func (l *link) Handle() uint32  { return l.handle }
func (l *link) Role() amqp.Role { return l.role }

func (l *link) RemoteHandle() (uint32, bool) {
	return l.remoteHandle, l.remoteHandleSet
}

func (l *link) Attached() bool { return l.state == linkAttached }
func (l *link) Closed() bool   { return l.closed }

// Source returns the link's source terminus address.
func (l *link) Source() string { return l.source }

// Target returns the link's target terminus address.
func (l *link) Target() string { return l.target }

// DeliveryCount returns the link's delivery-count endpoint state.
func (l *link) DeliveryCount() uint32 { return l.deliveryCount }

// LinkCredit returns the link's current credit.
func (l *link) LinkCredit() uint32 { return l.linkCredit }

func (l *link) Attach() error {
	if l.closed {
		return ErrLinkClosed
	}
	if l.state != linkDetached {
		return ErrLinkNotDetached
	}
	if err := l.session.outgoingAttach(l.attachFrame()); err != nil {
		return err
	}
	l.state = linkAttachSent
	return nil
}

func (l *link) attachFrame() *amqp.Attach {
	return &amqp.Attach{
		Name:                 l.name,
		Handle:               l.handle,
		Role:                 l.role,
		Source:               l.source,
		Target:               l.target,
		InitialDeliveryCount: l.deliveryCount,
		MaxMessageSize:       l.maxMessageSize,
		Properties:           l.properties,
	}
}

func (l *link) incomingAttach(fr *amqp.Attach) {
	l.remoteHandle = fr.Handle
	l.remoteHandleSet = true
	if fr.Source != "" {
		l.source = fr.Source
	}
	if fr.Target != "" {
		l.target = fr.Target
	}
	// a receiver's delivery-count is seeded from the sender's
	// initial-delivery-count
	if l.role == amqp.RoleReceiver {
		l.deliveryCount = fr.InitialDeliveryCount
	}

	switch l.state {
	case linkAttachSent:
		l.state = linkAttached
	case linkDetached:
		// peer-initiated attach: answer with our own
		if err := l.session.outgoingAttach(l.attachFrame()); err != nil {
			log.WithFields(logger.Fields{
				"at":    "(link) incomingAttach",
				"link":  l.name,
				"error": err.Error(),
			}).Error("failed_to_reply_attach")
			return
		}
		l.state = linkAttached
	default:
		log.WithFields(logger.Fields{
			"at":   "(link) incomingAttach",
			"link": l.name,
		}).Warn("attach_in_unexpected_link_state")
	}
}

func (l *link) Detach(detachErr *amqp.Error) error {
	if l.closed || l.state == linkDetachSent {
		return nil
	}
	if l.state == linkDetached {
		// attach never went out; nothing to tear down remotely
		l.closed = true
		l.session.releaseLinkByName(l.name)
		return nil
	}
	fr := &amqp.Detach{Handle: l.handle, Closed: true, Error: detachErr}
	if err := l.session.outgoingDetach(fr); err != nil {
		return err
	}
	l.state = linkDetachSent
	return nil
}

func (l *link) incomingDetach(fr *amqp.Detach) {
	if fr.Error != nil {
		log.WithFields(logger.Fields{
			"at":          "(link) incomingDetach",
			"link":        l.name,
			"condition":   string(fr.Error.Condition),
			"description": fr.Error.Description,
		}).Error("link_detached_by_peer")
	}
	if l.state != linkDetachSent {
		// peer-initiated detach: reply before releasing the handle
		reply := &amqp.Detach{Handle: l.handle, Closed: true}
		if err := l.session.outgoingDetach(reply); err != nil {
			log.WithFields(logger.Fields{
				"at":    "(link) incomingDetach",
				"link":  l.name,
				"error": err.Error(),
			}).Error("failed_to_reply_detach")
		}
	}
	l.closed = true
	l.state = linkDetached
	l.session.releaseLinkByName(l.name)
}

// forceDetach tears the link down locally without any frame exchange; used
// when the session itself is ending.
func (l *link) forceDetach() {
	l.closed = true
	l.state = linkDetached
}

func (l *link) sessionStateChanged(st State) {
	if st == StateDiscarding || st == StateUnmapped {
		l.forceDetach()
	}
}

// generated when the caller does not provide a link name
func newLinkName() string {
	return uuid.NewString()
}
