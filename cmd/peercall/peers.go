package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/call"
	"github.com/peercall/peercall/internal/signalclient"
)

var errNotConnected = errors.New("not connected to a relay")

// peerSet owns one call session per remote room member. It is built
// before the relay connection exists so the connection's handlers can
// close over it; bind supplies the client once dialed.
type peerSet struct {
	logger *slog.Logger
	ice    []webrtc.ICEServer
	out    io.Writer

	mu       sync.Mutex
	client   *signalclient.Client
	sessions map[string]*call.Session
	names    map[string]string
}

func newPeerSet(ice []webrtc.ICEServer, logger *slog.Logger, out io.Writer) *peerSet {
	return &peerSet{
		logger:   logger,
		ice:      ice,
		out:      out,
		sessions: make(map[string]*call.Session),
		names:    make(map[string]string),
	}
}

func (p *peerSet) bind(client *signalclient.Client) {
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
}

// sendSignal forwards a session's outbound signal to the bound client.
func (p *peerSet) sendSignal(sig call.Signal) error {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return errNotConnected
	}
	return c.SendSignal(sig)
}

// session returns the session for a peer, creating it on first use.
func (p *peerSet) session(id, name string) (*call.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name != "" {
		p.names[id] = name
	}
	if s, ok := p.sessions[id]; ok {
		return s, nil
	}

	display := p.names[id]
	if display == "" {
		display = id
	}
	retry := call.DefaultRetryPolicy()
	s, err := call.NewSession(call.SessionConfig{
		PeerID:   id,
		PeerName: display,
		NewTransport: func() (call.PeerTransport, error) {
			return call.NewPionTransport(p.ice,
				call.WithDataChannel("probe",
					func() { fmt.Fprintf(p.out, "* media path to %s is up\n", display) },
					nil,
				),
			)
		},
		Send:   p.sendSignal,
		Logger: p.logger,
		Retry:  &retry,
		OnStateChange: func(st call.SessionState) {
			fmt.Fprintf(p.out, "* call with %s: %s\n", display, st)
		},
	})
	if err != nil {
		return nil, err
	}
	p.sessions[id] = s
	return s, nil
}

func (p *peerSet) lookup(id string) (*call.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// drop ends and forgets the session for a departed peer.
func (p *peerSet) drop(id string) {
	p.mu.Lock()
	s := p.sessions[id]
	delete(p.sessions, id)
	delete(p.names, id)
	p.mu.Unlock()
	if s != nil {
		s.EndCall()
	}
}

func (p *peerSet) dropAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*call.Session)
	p.names = make(map[string]string)
	p.mu.Unlock()
	for _, s := range sessions {
		s.EndCall()
	}
}

// handleSignal routes a relayed signal to the right session. An
// incoming offer may create the session; answers and candidates for
// unknown peers are ignored.
func (p *peerSet) handleSignal(sig signalclient.PeerSignal) {
	switch sig.Kind {
	case call.SignalOffer:
		if sig.Description == nil {
			return
		}
		s, err := p.session(sig.Sender, sig.SenderName)
		if err != nil {
			p.logger.Warn("create session", slog.Any("error", err))
			return
		}
		if err := s.HandleOffer(*sig.Description); err != nil {
			p.logger.Warn("handle offer", slog.Any("error", err))
		}
	case call.SignalAnswer:
		if sig.Description == nil {
			return
		}
		if s, ok := p.lookup(sig.Sender); ok {
			if err := s.HandleAnswer(*sig.Description); err != nil {
				p.logger.Warn("handle answer", slog.Any("error", err))
			}
		}
	case call.SignalCandidate:
		if sig.Candidate == nil {
			return
		}
		if s, ok := p.lookup(sig.Sender); ok {
			if err := s.HandleCandidate(*sig.Candidate); err != nil {
				p.logger.Warn("handle candidate", slog.Any("error", err))
			}
		}
	}
}
