package session

import (
	"github.com/wireamqp/amqpmux/lib/amqp"
	"github.com/wireamqp/amqpmux/lib/util/logger"
)

// TransferState is the session-level outcome of an outgoing transfer
// attempt, visible to the caller on the Delivery.
type TransferState int

const (
	// TransferPending means the delivery has not been given to the
	// session yet.
	TransferPending TransferState = iota
	// TransferOkay means every frame of the delivery went to the
	// Connection and the session counters advanced.
	TransferOkay
	// TransferError means the session cannot carry the delivery (not
	// mapped, or the frame could not be sized or submitted).
	TransferError
	// TransferBusy means the peer's incoming window is exhausted. Not an
	// error: retry after a Flow raises the window.
	TransferBusy
)

func (t TransferState) String() string {
	switch t {
	case TransferOkay:
		return "OKAY"
	case TransferError:
		return "ERROR"
	case TransferBusy:
		return "BUSY"
	default:
		return "PENDING"
	}
}

// Delivery is one (possibly fragmented) outgoing transfer.
type Delivery struct {
	frame *amqp.Transfer

	id    uint32
	idSet bool

	// TransferState is set by the session when the delivery is submitted.
	TransferState TransferState

	// RemoteState and RemoteSettled reflect the peer's Disposition for
	// this delivery, once one arrives.
	RemoteState   amqp.DeliveryState
	RemoteSettled bool
}

// DeliveryID returns the delivery-id assigned when the transfer was
// submitted. The id is fixed when the first fragment is built and shared
// by every fragment.
func (d *Delivery) DeliveryID() (uint32, bool) {
	return d.id, d.idSet
}

// Tag returns the delivery-tag.
func (d *Delivery) Tag() []byte { return d.frame.DeliveryTag }

// Settled reports whether the delivery was sent pre-settled.
func (d *Delivery) Settled() bool { return d.frame.Settled }

// outgoingTransfer fragments and submits one delivery.
//
// The delivery-id is fixed to next-outgoing-id when the transfer starts
// and does not change across continuation frames; the session counters
// advance exactly once, after the final fragment.
func (s *Session) outgoingTransfer(d *Delivery) {
	if s.state != StateMapped {
		d.TransferState = TransferError
		return
	}
	if s.remoteIncomingWindow == 0 {
		d.TransferState = TransferBusy
		return
	}

	payload := d.frame.Payload
	deliveryID := s.nextOutgoingID
	d.id = deliveryID
	d.idSet = true

	// measure the per-frame overhead by encoding the performative with an
	// empty payload
	probe := *d.frame
	probe.DeliveryID = &deliveryID
	probe.Payload = nil
	encoded, err := s.encoder.EncodeFrame(&probe)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Session) outgoingTransfer",
			"session": s.name,
			"error":   err.Error(),
		}).Error("failed_to_size_transfer")
		d.TransferState = TransferError
		return
	}
	overhead := len(encoded)
	available := int(s.conn.RemoteMaxFrameSize()) - overhead - amqp.FrameHeaderSize
	if available <= 0 {
		log.WithFields(logger.Fields{
			"at":             "(Session) outgoingTransfer",
			"session":        s.name,
			"overhead":       overhead,
			"remoteMaxFrame": s.conn.RemoteMaxFrameSize(),
		}).Error("remote_max_frame_too_small_for_transfer")
		d.TransferState = TransferError
		return
	}

	start := 0
	remaining := len(payload)
	for remaining > available {
		frag := s.buildFragment(d, deliveryID, true, payload[start:start+available])
		if err := s.conn.ProcessOutgoing(s.channel, frag); err != nil {
			log.WithFields(logger.Fields{
				"at":      "(Session) outgoingTransfer",
				"session": s.name,
				"error":   err.Error(),
			}).Error("failed_to_send_transfer_fragment")
			d.TransferState = TransferError
			return
		}
		start += available
		remaining -= available
	}

	final := s.buildFragment(d, deliveryID, false, payload[start:])
	if err := s.conn.ProcessOutgoing(s.channel, final); err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Session) outgoingTransfer",
			"session": s.name,
			"error":   err.Error(),
		}).Error("failed_to_send_transfer")
		d.TransferState = TransferError
		return
	}

	s.nextOutgoingID++
	s.remoteIncomingWindow--
	if s.outgoingWindow > 0 {
		s.outgoingWindow--
	}
	d.TransferState = TransferOkay
}

func (s *Session) buildFragment(d *Delivery, deliveryID uint32, more bool, chunk []byte) *amqp.Transfer {
	id := deliveryID
	return &amqp.Transfer{
		Handle:        d.frame.Handle,
		DeliveryID:    &id,
		DeliveryTag:   d.frame.DeliveryTag,
		MessageFormat: d.frame.MessageFormat,
		Settled:       d.frame.Settled,
		More:          more,
		RcvSettleMode: d.frame.RcvSettleMode,
		State:         d.frame.State,
		Resume:        d.frame.Resume,
		Aborted:       d.frame.Aborted,
		Batchable:     d.frame.Batchable,
		Payload:       chunk,
	}
}

// incomingTransfer accounts one physical frame (each frame consumes one
// window unit regardless of fragmentation) and routes it to the owning
// link, which reassembles fragments.
func (s *Session) incomingTransfer(fr *amqp.Transfer) {
	s.nextIncomingID++
	s.nextIncomingIDSet = true
	if s.remoteOutgoingWindow > 0 {
		s.remoteOutgoingWindow--
	}
	s.incomingWindow--

	l, ok := s.inputHandles[fr.Handle]
	if !ok {
		// fatal to the whole session: handle-space corruption cannot be
		// isolated to one link
		s.endWithProtocolError(&amqp.Error{
			Condition: amqp.ErrCondSessionUnattachedHandle,
			Description: "invalid handle reference in received frame: " +
				"handle is not currently associated with an attached link",
		})
		return
	}
	l.incomingTransfer(fr)

	// backpressure signal: refill the window and tell the peer
	if s.incomingWindow == 0 {
		s.incomingWindow = s.targetIncomingWindow
		if err := s.outgoingFlow(nil); err != nil {
			log.WithFields(logger.Fields{
				"at":      "(Session) incomingTransfer",
				"session": s.name,
				"error":   err.Error(),
			}).Error("failed_to_send_window_refill_flow")
		}
	}
}
