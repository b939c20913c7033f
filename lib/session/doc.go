// Package session implements the AMQP 1.0 session multiplexing layer.
//
// # Overview
//
// A Session sits on one channel of a Connection and multiplexes many links
// (senders and receivers) over it. It owns:
//   - the session state machine (begin/mapped/end handshakes)
//   - the link handle table (smallest-available allocation, bounded by
//     handle-max)
//   - the transfer-id sequence and the four flow-control windows
//   - fragmentation of outgoing transfers across the peer's max-frame-size
//   - routing of inbound Transfer, Flow, Disposition, Attach and Detach
//     frames to the owning link
//
// # Collaborators
//
// The Connection (byte framing, sockets, TLS) and the wire codec are
// external. The session consumes them through the Connection and
// amqp.Encoder interfaces; lib/loopback provides an in-memory pair for
// tests and diagnostics.
//
// # Concurrency
//
// A Session is single-writer: all state is mutated by the one goroutine
// pumping the owning Connection's frames. OnIncomingFrame, Send and the
// other mutating calls must be made from that driving context; callers on
// other goroutines must serialize access themselves. Blocking waits
// (Begin, End with a wait duration) pump the Connection in a loop until
// the target state is reached or the wait elapses; an elapsed wait is not
// an error, the caller inspects State().
//
// # Usage Example
//
//	sess, err := session.NewSession(conn, 0, nil)
//	if err != nil {
//	    return err
//	}
//	if err := sess.Begin(5 * time.Second); err != nil {
//	    return err
//	}
//	snd, err := sess.CreateSenderLink("orders", nil)
//	if err != nil {
//	    return err
//	}
//	if err := snd.Attach(); err != nil {
//	    return err
//	}
//	delivery, _ := snd.Send(payload, false)
//	if delivery.TransferState == session.TransferBusy {
//	    // peer's incoming window is exhausted; retry after the next Flow
//	}
package session
