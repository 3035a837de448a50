package call

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionState is the call-level state, one level above the transport
// connection state. Failed and Ended are terminal.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionOffering
	SessionAnswering
	SessionConnected
	SessionDisconnected
	SessionFailed
	SessionEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionOffering:
		return "offering"
	case SessionAnswering:
		return "answering"
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionFailed:
		return "failed"
	case SessionEnded:
		return "ended"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

func (s SessionState) terminal() bool {
	return s == SessionFailed || s == SessionEnded
}

var (
	ErrSessionEnded = errors.New("call session ended")
	ErrNoActiveCall = errors.New("no active call")
)

const (
	defaultMaxQueuedCandidates = 32

	// negotiationRetryDelay spaces the single retry allowed when
	// applying a remote description races local negotiation state.
	negotiationRetryDelay = 250 * time.Millisecond
)

// Signal is an outbound signaling intent produced by the session. The
// owner forwards it to the relay, addressed to the session's peer.
type Signal struct {
	Type        string
	To          string
	Description *Description
	Candidate   *Candidate
}

const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

type SignalSender func(Signal) error

type TransportFactory func() (PeerTransport, error)

type SessionConfig struct {
	// PeerID is the remote connection id signals are addressed to.
	PeerID   string
	PeerName string

	NewTransport TransportFactory
	Send         SignalSender

	Logger        *slog.Logger
	OnStateChange func(SessionState)
	OnRemoteTrack func(TrackInfo)

	// MaxQueuedCandidates bounds candidates that arrive before the
	// remote description; overflow is dropped.
	MaxQueuedCandidates int

	// Retry enables the reconnection supervisor. Nil means transport
	// failures are terminal.
	Retry *RetryPolicy

	// After substitutes the timer primitive in tests.
	After AfterFunc
}

// Session drives one peer connection through offer/answer negotiation
// and tracks its lifecycle. At most one transport is active at a time;
// starting a new call tears the previous transport down first.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger
	after  AfterFunc

	mu        sync.Mutex
	state     SessionState
	transport PeerTransport
	remoteSet bool
	pending   []Candidate
	sup       *supervisor
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.PeerID == "" {
		return nil, errors.New("session requires a peer id")
	}
	if cfg.NewTransport == nil {
		return nil, errors.New("session requires a transport factory")
	}
	if cfg.Send == nil {
		return nil, errors.New("session requires a signal sender")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxQueuedCandidates <= 0 {
		cfg.MaxQueuedCandidates = defaultMaxQueuedCandidates
	}
	if cfg.After == nil {
		cfg.After = realAfter
	}

	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("peer", cfg.PeerID)),
		after:  cfg.After,
		state:  SessionIdle,
	}
	if cfg.Retry != nil {
		s.sup = newSupervisor(*cfg.Retry, s.logger, cfg.After, s.supervisorRestart, s.supervisorGiveUp)
	}
	return s, nil
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartCall begins (or restarts) negotiation as the offering side.
func (s *Session) StartCall() error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	old := s.transport
	s.transport = nil
	notify := s.setStateLocked(SessionOffering)
	s.mu.Unlock()
	notify()
	if old != nil {
		old.Close()
	}

	t, err := s.installTransport()
	if err != nil {
		// Transport construction covers media acquisition; those
		// failures are not retried.
		s.fail(fmt.Errorf("start call: %w", err))
		return err
	}

	offer, err := t.CreateOffer()
	if err == nil {
		err = t.SetLocalDescription(offer)
	}
	if err == nil {
		err = s.cfg.Send(Signal{Type: SignalOffer, To: s.cfg.PeerID, Description: &offer})
	}
	if err != nil {
		err = fmt.Errorf("start call: %w", err)
		s.fail(err)
		return err
	}
	return nil
}

// HandleOffer acts on a remote offer: it replaces any current
// transport, applies the offer and sends back an answer. An offer
// that cannot be applied because negotiation state is mid-flight gets
// one deferred retry.
func (s *Session) HandleOffer(offer Description) error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	old := s.transport
	s.transport = nil
	notify := s.setStateLocked(SessionAnswering)
	s.mu.Unlock()
	notify()
	if old != nil {
		old.Close()
	}

	t, err := s.installTransport()
	if err != nil {
		s.fail(fmt.Errorf("handle offer: %w", err))
		return err
	}

	if err := s.answer(t, offer); err != nil {
		s.logger.Warn("applying offer failed, retrying once", slog.Any("error", err))
		s.after(negotiationRetryDelay, func() {
			if err := s.answer(t, offer); err != nil {
				s.logger.Warn("applying offer failed after retry", slog.Any("error", err))
			}
		})
	}
	return nil
}

func (s *Session) answer(t PeerTransport, offer Description) error {
	if err := t.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.flushCandidates(t)

	answer, err := t.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := t.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := s.cfg.Send(Signal{Type: SignalAnswer, To: s.cfg.PeerID, Description: &answer}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// HandleAnswer applies the remote answer to the offering transport,
// with the same single deferred retry as HandleOffer.
func (s *Session) HandleAnswer(answer Description) error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNoActiveCall
	}

	if err := t.SetRemoteDescription(answer); err != nil {
		s.logger.Warn("applying answer failed, retrying once", slog.Any("error", err))
		s.after(negotiationRetryDelay, func() {
			if err := t.SetRemoteDescription(answer); err != nil {
				s.logger.Warn("applying answer failed after retry", slog.Any("error", err))
				return
			}
			s.flushCandidates(t)
		})
		return nil
	}
	s.flushCandidates(t)
	return nil
}

// HandleCandidate feeds a remote ICE candidate to the transport.
// Candidates racing ahead of the remote description are queued, up to
// a bound, and flushed once the description lands.
func (s *Session) HandleCandidate(c Candidate) error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if s.transport == nil || !s.remoteSet {
		if len(s.pending) >= s.cfg.MaxQueuedCandidates {
			s.mu.Unlock()
			s.logger.Warn("early candidate queue full, dropping candidate")
			return nil
		}
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	t := s.transport
	s.mu.Unlock()

	if err := t.AddICECandidate(c); err != nil {
		s.logger.Warn("add ice candidate", slog.Any("error", err))
	}
	return nil
}

// EndCall hangs up locally. Terminal; all later operations fail with
// ErrSessionEnded.
func (s *Session) EndCall() {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.transport = nil
	notify := s.setStateLocked(SessionEnded)
	s.mu.Unlock()
	notify()

	if s.sup != nil {
		s.sup.stop()
	}
	if t != nil {
		t.Close()
	}
}

// installTransport builds a fresh transport, registers callbacks and
// makes it the session's active one.
func (s *Session) installTransport() (PeerTransport, error) {
	t, err := s.cfg.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("new transport: %w", err)
	}

	t.OnICECandidate(func(c Candidate) {
		s.onLocalCandidate(t, c)
	})
	t.OnConnectionStateChange(func(cs ConnState) {
		s.onTransportState(t, cs)
	})
	t.OnRemoteTrack(func(ti TrackInfo) {
		s.onRemoteTrack(t, ti)
	})

	s.mu.Lock()
	s.transport = t
	s.remoteSet = false
	s.pending = nil
	s.mu.Unlock()
	return t, nil
}

// flushCandidates marks the remote description applied and drains the
// early-candidate queue into the transport.
func (s *Session) flushCandidates(t PeerTransport) {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	s.remoteSet = true
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := t.AddICECandidate(c); err != nil {
			s.logger.Warn("add queued ice candidate", slog.Any("error", err))
		}
	}
}

func (s *Session) onLocalCandidate(t PeerTransport, c Candidate) {
	s.mu.Lock()
	stale := s.transport != t || s.state.terminal()
	s.mu.Unlock()
	if stale {
		return
	}
	if err := s.cfg.Send(Signal{Type: SignalCandidate, To: s.cfg.PeerID, Candidate: &c}); err != nil {
		s.logger.Warn("send ice candidate", slog.Any("error", err))
	}
}

func (s *Session) onRemoteTrack(t PeerTransport, ti TrackInfo) {
	s.mu.Lock()
	stale := s.transport != t || s.state.terminal()
	s.mu.Unlock()
	if stale {
		return
	}
	s.logger.Info("remote track",
		slog.String("track", ti.ID),
		slog.String("kind", ti.Kind),
	)
	if cb := s.cfg.OnRemoteTrack; cb != nil {
		cb(ti)
	}
}

func (s *Session) onTransportState(t PeerTransport, cs ConnState) {
	s.mu.Lock()
	if s.transport != t || s.state.terminal() {
		s.mu.Unlock()
		return
	}

	var notify func()
	switch cs {
	case ConnConnected:
		notify = s.setStateLocked(SessionConnected)
		if s.sup != nil {
			s.sup.connected()
		}
	case ConnDisconnected:
		notify = s.setStateLocked(SessionDisconnected)
		if s.sup != nil {
			s.sup.disconnected()
		}
	case ConnFailed:
		if s.sup != nil {
			notify = s.setStateLocked(SessionDisconnected)
			s.sup.failed()
		} else {
			notify = s.setStateLocked(SessionFailed)
		}
	default:
		notify = func() {}
	}
	s.mu.Unlock()
	notify()
}

// supervisorRestart runs from a supervisor timer to renegotiate from
// scratch.
func (s *Session) supervisorRestart() {
	s.logger.Info("restarting call")
	if err := s.StartCall(); err != nil {
		s.logger.Warn("restart failed", slog.Any("error", err))
	}
}

// supervisorGiveUp marks the session terminally failed once the retry
// budget is spent.
func (s *Session) supervisorGiveUp() {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.transport = nil
	notify := s.setStateLocked(SessionFailed)
	s.mu.Unlock()
	notify()
	if t != nil {
		t.Close()
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.transport = nil
	notify := s.setStateLocked(SessionFailed)
	s.mu.Unlock()
	notify()
	s.logger.Error("call failed", slog.Any("error", err))
	if t != nil {
		t.Close()
	}
}

// setStateLocked records a transition and returns the deferred
// observer notification, run after the lock is released.
func (s *Session) setStateLocked(next SessionState) func() {
	if s.state == next {
		return func() {}
	}
	prev := s.state
	s.state = next
	s.logger.Info("call state",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	)
	cb := s.cfg.OnStateChange
	if cb == nil {
		return func() {}
	}
	return func() { cb(next) }
}
