package amqp

// Encoder is the contract a wire codec exposes to the session layer.
//
// EncodeFrame serializes a performative to its body bytes, excluding the
// fixed frame header. The session layer uses it to measure the per-frame
// overhead of a Transfer so that payload fragmentation can be budgeted
// against the peer's max-frame-size.
type Encoder interface {
	EncodeFrame(body FrameBody) ([]byte, error)
}
