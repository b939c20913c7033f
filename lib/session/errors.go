package session

import "github.com/samber/oops"

var (
	// ErrHandlesExhausted is returned when every handle in [0, handle-max)
	// is occupied by an attached link.
	ErrHandlesExhausted = oops.Errorf("maximum number of link handles reached")

	// ErrLinkNameInUse is returned when a link with the same name is
	// already tracked by the session.
	ErrLinkNameInUse = oops.Errorf("link name already in use on this session")

	// ErrNoEncoder is returned by NewSession when neither the options nor
	// the connection supply a frame encoder.
	ErrNoEncoder = oops.Errorf("no frame encoder available for transfer sizing")

	// ErrPipelinedOpenDisallowed is returned by Begin(0) when the session
	// was configured to require waiting for the peer's Begin.
	ErrPipelinedOpenDisallowed = oops.Errorf("pipelined open disallowed, Begin requires a wait duration")

	// ErrLinkClosed is returned on operations against a detached link.
	ErrLinkClosed = oops.Errorf("link is closed")

	// ErrLinkNotDetached is returned by Attach on a link that already sent
	// or completed its attach handshake.
	ErrLinkNotDetached = oops.Errorf("link attach already in progress or complete")
)
