// Package amqp defines the session-scoped performatives of the AMQP 1.0
// protocol and the structured error values they carry.
//
// # Overview
//
// Only the frame bodies that travel within an established connection are
// modelled here: Begin, End, Attach, Detach, Flow, Transfer and Disposition.
// Connection-level frames (open, close, SASL) and the full AMQP type system
// are out of scope; byte-level encoding is performed by a wire codec that
// implements the Encoder interface.
//
// # Frame Bodies
//
// Every performative implements the FrameBody marker interface so that the
// session layer can dispatch on concrete type:
//
//	switch body := fr.(type) {
//	case *amqp.Begin:
//	case *amqp.Transfer:
//	...
//	}
//
// Optional wire fields are pointers (nil means "not set"), mirroring the
// null-ability rules of the protocol. Transfer-id and window counters are
// uint32 values with serial-number (wrapping) arithmetic.
//
// # Errors
//
// AMQP errors are structured values (condition, description, info) carried
// inside End and Detach frames. The Error type implements the error
// interface so it can travel through ordinary Go error paths.
package amqp
