package call

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

var errNoDataChannel = errors.New("transport has no data channel")

// PionTransport implements PeerTransport over a pion PeerConnection.
// It optionally carries a single data channel, used by the CLI client
// to prove end-to-end connectivity once the call is up.
type PionTransport struct {
	pc *webrtc.PeerConnection

	source MediaSource

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	dcLabel  string
	onDCOpen func()
	onDCData func([]byte)
	onCand   func(Candidate)
	onState  func(ConnState)
	onTrack  func(TrackInfo)
}

type PionOption func(*pionOptions)

type pionOptions struct {
	api      *webrtc.API
	source   MediaSource
	dcLabel  string
	onDCOpen func()
	onDCData func([]byte)
}

// WithAPI substitutes a custom webrtc API, e.g. one whose setting
// engine routes over a virtual network in tests.
func WithAPI(api *webrtc.API) PionOption {
	return func(o *pionOptions) { o.api = api }
}

// WithMediaSource attaches the source's local tracks to the peer
// connection before negotiation.
func WithMediaSource(src MediaSource) PionOption {
	return func(o *pionOptions) { o.source = src }
}

// WithDataChannel attaches a data channel with the given label. The
// offering side creates it; the answering side adopts the remote one.
func WithDataChannel(label string, onOpen func(), onData func([]byte)) PionOption {
	return func(o *pionOptions) {
		o.dcLabel = label
		o.onDCOpen = onOpen
		o.onDCData = onData
	}
}

func NewPionTransport(iceServers []webrtc.ICEServer, opts ...PionOption) (*PionTransport, error) {
	var o pionOptions
	for _, opt := range opts {
		opt(&o)
	}

	api := o.api
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &PionTransport{
		pc:       pc,
		source:   o.source,
		dcLabel:  o.dcLabel,
		onDCOpen: o.onDCOpen,
		onDCData: o.onDCData,
	}

	if o.source != nil {
		tracks, err := o.source.Tracks()
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("acquire media: %w", err)
		}
		for _, track := range tracks {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				o.source.Close()
				return nil, fmt.Errorf("add track %q: %w", track.ID(), err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-candidates marker; trickle consumers ignore it.
			return
		}
		t.mu.Lock()
		cb := t.onCand
		t.mu.Unlock()
		if cb != nil {
			cb(candidateFromInit(c.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.mu.Lock()
		cb := t.onState
		t.mu.Unlock()
		if cb != nil {
			cb(connStateFromPion(s))
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.mu.Lock()
		cb := t.onTrack
		t.mu.Unlock()
		if cb != nil {
			cb(TrackInfo{ID: remote.ID(), Kind: remote.Kind().String()})
		}
	})

	if t.dcLabel != "" {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != t.dcLabel {
				return
			}
			t.adoptDataChannel(dc)
		})
	}

	return t, nil
}

// CreateOffer also creates the local data channel when one is
// configured, so it is negotiated in the initial offer.
func (t *PionTransport) CreateOffer() (Description, error) {
	if t.dcLabel != "" {
		dc, err := t.pc.CreateDataChannel(t.dcLabel, nil)
		if err != nil {
			return Description{}, fmt.Errorf("create data channel: %w", err)
		}
		t.adoptDataChannel(dc)
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *PionTransport) CreateAnswer() (Description, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *PionTransport) SetLocalDescription(d Description) error {
	sd, err := descriptionToPion(d)
	if err != nil {
		return err
	}
	return t.pc.SetLocalDescription(sd)
}

func (t *PionTransport) SetRemoteDescription(d Description) error {
	sd, err := descriptionToPion(d)
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(sd)
}

func (t *PionTransport) AddICECandidate(c Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *PionTransport) OnICECandidate(cb func(Candidate)) {
	t.mu.Lock()
	t.onCand = cb
	t.mu.Unlock()
}

func (t *PionTransport) OnConnectionStateChange(cb func(ConnState)) {
	t.mu.Lock()
	t.onState = cb
	t.mu.Unlock()
}

func (t *PionTransport) OnRemoteTrack(cb func(TrackInfo)) {
	t.mu.Lock()
	t.onTrack = cb
	t.mu.Unlock()
}

// SendData writes to the data channel. It fails until the channel has
// opened.
func (t *PionTransport) SendData(payload []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil {
		return errNoDataChannel
	}
	return dc.Send(payload)
}

func (t *PionTransport) Close() error {
	err := t.pc.Close()
	if t.source != nil {
		if cerr := t.source.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (t *PionTransport) adoptDataChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	onOpen := t.onDCOpen
	onData := t.onDCData
	t.mu.Unlock()

	if onOpen != nil {
		dc.OnOpen(onOpen)
	}
	if onData != nil {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			onData(msg.Data)
		})
	}
}

func descriptionToPion(d Description) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported description type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

func candidateFromInit(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func connStateFromPion(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	default:
		return ConnClosed
	}
}
