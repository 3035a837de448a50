package call

import "github.com/pion/webrtc/v4"

// MediaSource supplies the local media tracks attached to a peer
// connection at construction time. Acquisition happens inside Tracks
// so a capture failure surfaces as a transport construction error,
// which the session treats as terminal rather than retrying.
type MediaSource interface {
	// Tracks acquires (or returns already-acquired) local tracks.
	Tracks() ([]webrtc.TrackLocal, error)

	// Close releases the underlying capture resources. Safe to call
	// more than once.
	Close() error
}

// TrackList is a MediaSource over pre-built tracks, for callers that
// manage capture themselves and for tests.
type TrackList []webrtc.TrackLocal

func (l TrackList) Tracks() ([]webrtc.TrackLocal, error) { return l, nil }

func (l TrackList) Close() error { return nil }
