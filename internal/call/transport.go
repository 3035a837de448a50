// Package call owns the client side of a peer connection: the
// transport abstraction over WebRTC, the call session state machine
// that drives offer/answer negotiation, and the supervisor that
// restarts a session when connectivity degrades.
package call

import "fmt"

// Description is a session description crossing the transport
// boundary. Type is "offer" or "answer".
type Description struct {
	Type string
	SDP  string
}

// Candidate is one trickled ICE candidate.
type Candidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

// TrackInfo identifies a remote media track surfaced by the transport.
type TrackInfo struct {
	ID   string
	Kind string
}

// ConnState is the transport-level connection state.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// PeerTransport is one peer connection. The session drives it through
// negotiation and reacts to its callbacks; the production
// implementation wraps a pion PeerConnection and tests substitute a
// fake. Callbacks must be registered before negotiation starts and may
// be invoked from transport-internal goroutines.
type PeerTransport interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddICECandidate(Candidate) error

	OnICECandidate(func(Candidate))
	OnConnectionStateChange(func(ConnState))
	OnRemoteTrack(func(TrackInfo))

	Close() error
}
