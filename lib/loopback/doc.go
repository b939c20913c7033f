// Package loopback provides an in-memory Connection pair for the session
// layer.
//
// # Overview
//
// Pipe returns two connected halves. Frames submitted on one half are
// size-checked against the peer's advertised max-frame-size, queued, and
// delivered to the peer's sessions when the peer pumps. Both halves run
// real Session state machines, so the full begin handshake, transfer
// fragmentation and flow-control paths are exercised without a socket.
//
// # Wire Format
//
// Frames cross the pipe as Go values; the compact binary encoding
// implemented here exists to meter frame sizes (transfer overhead,
// max-frame-size enforcement), not to interoperate with a network peer.
// Production deployments pair the session layer with a real AMQP codec
// and transport instead.
//
// # Concurrency
//
// Each half may be driven by its own goroutine; the inbound queue is the
// only shared state and is locked. Everything downstream of Pump runs on
// the pumping goroutine, preserving the session layer's single-writer
// contract.
package loopback
