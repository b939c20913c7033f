package config

import (
	"time"

	"github.com/wireamqp/amqpmux/lib/amqp"
)

// session.* options
type SessionDefaults struct {
	// window sizes advertised in Begin, in transfer frames
	IncomingWindow uint32 `yaml:"incoming_window"`
	OutgoingWindow uint32 `yaml:"outgoing_window"`
	// highest usable link handle plus one is HandleMax+1
	HandleMax uint32 `yaml:"handle_max"`
	// sleep between pump rounds in blocking Begin/End waits
	IdleWait time.Duration `yaml:"idle_wait"`
	// refuse pipelined opens; Begin must block for the peer's reply
	DisallowPipelinedOpen bool `yaml:"disallow_pipelined_open"`
}

// conn.* options
type ConnDefaults struct {
	// frame size limit advertised to the peer, bytes
	MaxFrameSize uint32 `yaml:"max_frame_size"`
}

// defaults for sessions
var defaultSessionDefaults = &SessionDefaults{
	IncomingWindow:        1,
	OutgoingWindow:        1,
	HandleMax:             amqp.DefaultHandleMax,
	IdleWait:              100 * time.Millisecond,
	DisallowPipelinedOpen: false,
}

func DefaultSessionDefaults() *SessionDefaults {
	return defaultSessionDefaults
}

// defaults for connection halves
var defaultConnDefaults = &ConnDefaults{
	MaxFrameSize: amqp.DefaultMaxFrameSize,
}

func DefaultConnDefaults() *ConnDefaults {
	return defaultConnDefaults
}
