package call

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records every operation and lets tests drive the
// callbacks by hand.
type fakeTransport struct {
	mu            sync.Mutex
	offers        int
	answers       int
	local         []Description
	remote        []Description
	candidates    []Candidate
	closed        bool
	failSetRemote int

	onCand  func(Candidate)
	onState func(ConnState)
	onTrack func(TrackInfo)
}

func (f *fakeTransport) CreateOffer() (Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return Description{Type: "offer", SDP: fmt.Sprintf("offer-%d", f.offers)}, nil
}

func (f *fakeTransport) CreateAnswer() (Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return Description{Type: "answer", SDP: fmt.Sprintf("answer-%d", f.answers)}, nil
}

func (f *fakeTransport) SetLocalDescription(d Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = append(f.local, d)
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetRemote > 0 {
		f.failSetRemote--
		return errors.New("wrong negotiation state")
	}
	f.remote = append(f.remote, d)
	return nil
}

func (f *fakeTransport) AddICECandidate(c Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) OnICECandidate(cb func(Candidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCand = cb
}

func (f *fakeTransport) OnConnectionStateChange(cb func(ConnState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = cb
}

func (f *fakeTransport) OnRemoteTrack(cb func(TrackInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = cb
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) fireState(s ConnState) {
	f.mu.Lock()
	cb := f.onState
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *fakeTransport) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// manualTimers is a deterministic AfterFunc: nothing runs until a test
// fires it.
type manualTimers struct {
	mu     sync.Mutex
	queued []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (m *manualTimers) After(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.queued = append(m.queued, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// fireNext runs the oldest pending timer and reports whether one ran.
func (m *manualTimers) fireNext() bool {
	m.mu.Lock()
	var next *manualTimer
	for _, t := range m.queued {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		m.mu.Unlock()
		return false
	}
	next.fired = true
	f := next.f
	m.mu.Unlock()
	f()
	return true
}

func (m *manualTimers) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.queued {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// sessionHarness wires a session to fakes and records outputs.
type sessionHarness struct {
	mu         sync.Mutex
	transports []*fakeTransport
	signals    []Signal
	states     []SessionState
	factoryErr error
	timers     *manualTimers
	session    *Session
}

func newHarness(t *testing.T, mutate func(*SessionConfig)) *sessionHarness {
	t.Helper()
	h := &sessionHarness{timers: &manualTimers{}}
	cfg := SessionConfig{
		PeerID:       "peer-1",
		PeerName:     "bob",
		Logger:       testLogger(),
		After:        h.timers.After,
		NewTransport: h.newTransport,
		Send:         h.send,
		OnStateChange: func(s SessionState) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sess, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.session = sess
	return h
}

func (h *sessionHarness) newTransport() (PeerTransport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.factoryErr != nil {
		return nil, h.factoryErr
	}
	ft := &fakeTransport{}
	h.transports = append(h.transports, ft)
	return ft, nil
}

func (h *sessionHarness) send(sig Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	return nil
}

func (h *sessionHarness) transport(i int) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[i]
}

func (h *sessionHarness) transportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *sessionHarness) sentSignals() []Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Signal(nil), h.signals...)
}

func TestSession_StartCallSendsOffer(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.session.StartCall(); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if got := h.session.State(); got != SessionOffering {
		t.Fatalf("state = %v, want offering", got)
	}

	sigs := h.sentSignals()
	if len(sigs) != 1 || sigs[0].Type != SignalOffer || sigs[0].To != "peer-1" {
		t.Fatalf("signals = %+v", sigs)
	}
	ft := h.transport(0)
	if len(ft.local) != 1 || ft.local[0].Type != "offer" {
		t.Fatalf("local descriptions = %+v", ft.local)
	}
}

func TestSession_HandleOfferSendsAnswer(t *testing.T) {
	h := newHarness(t, nil)

	offer := Description{Type: "offer", SDP: "remote-offer"}
	if err := h.session.HandleOffer(offer); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if got := h.session.State(); got != SessionAnswering {
		t.Fatalf("state = %v, want answering", got)
	}

	ft := h.transport(0)
	if len(ft.remote) != 1 || ft.remote[0].SDP != "remote-offer" {
		t.Fatalf("remote descriptions = %+v", ft.remote)
	}
	sigs := h.sentSignals()
	if len(sigs) != 1 || sigs[0].Type != SignalAnswer {
		t.Fatalf("signals = %+v", sigs)
	}
}

func TestSession_EarlyCandidatesQueuedAndFlushed(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 3; i++ {
		if err := h.session.HandleCandidate(Candidate{Candidate: fmt.Sprintf("cand-%d", i)}); err != nil {
			t.Fatalf("HandleCandidate: %v", err)
		}
	}

	if err := h.session.HandleOffer(Description{Type: "offer", SDP: "o"}); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	ft := h.transport(0)
	if ft.candidateCount() != 3 {
		t.Fatalf("flushed %d candidates, want 3", ft.candidateCount())
	}
	if ft.candidates[0].Candidate != "cand-0" {
		t.Fatalf("candidates out of order: %+v", ft.candidates)
	}

	// After the flush new candidates go straight through.
	h.session.HandleCandidate(Candidate{Candidate: "late"})
	if ft.candidateCount() != 4 {
		t.Fatalf("late candidate not delivered, have %d", ft.candidateCount())
	}
}

func TestSession_EarlyCandidateQueueIsBounded(t *testing.T) {
	h := newHarness(t, func(cfg *SessionConfig) {
		cfg.MaxQueuedCandidates = 2
	})

	for i := 0; i < 5; i++ {
		h.session.HandleCandidate(Candidate{Candidate: fmt.Sprintf("cand-%d", i)})
	}
	h.session.HandleOffer(Description{Type: "offer", SDP: "o"})

	ft := h.transport(0)
	if ft.candidateCount() != 2 {
		t.Fatalf("flushed %d candidates, want 2", ft.candidateCount())
	}
}

func TestSession_StartCallReplacesActiveTransport(t *testing.T) {
	h := newHarness(t, nil)

	h.session.StartCall()
	h.session.StartCall()

	if h.transportCount() != 2 {
		t.Fatalf("transports = %d, want 2", h.transportCount())
	}
	if !h.transport(0).isClosed() {
		t.Fatal("first transport not closed")
	}
	if h.transport(1).isClosed() {
		t.Fatal("second transport closed prematurely")
	}
}

func TestSession_EndCallIsTerminal(t *testing.T) {
	h := newHarness(t, nil)

	h.session.StartCall()
	h.session.EndCall()

	if got := h.session.State(); got != SessionEnded {
		t.Fatalf("state = %v, want ended", got)
	}
	if !h.transport(0).isClosed() {
		t.Fatal("transport not closed on hangup")
	}
	if err := h.session.StartCall(); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("StartCall after end = %v, want ErrSessionEnded", err)
	}
	if err := h.session.HandleCandidate(Candidate{Candidate: "late"}); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("HandleCandidate after end = %v, want ErrSessionEnded", err)
	}
	// Hanging up twice is harmless.
	h.session.EndCall()
}

func TestSession_AnswerAppliedOnSecondAttempt(t *testing.T) {
	h := newHarness(t, nil)

	h.session.StartCall()
	ft := h.transport(0)
	ft.failSetRemote = 1

	if err := h.session.HandleAnswer(Description{Type: "answer", SDP: "a"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if len(ft.remote) != 0 {
		t.Fatalf("remote applied despite failure: %+v", ft.remote)
	}
	if h.timers.pending() != 1 {
		t.Fatalf("pending timers = %d, want 1 retry", h.timers.pending())
	}

	h.timers.fireNext()
	if len(ft.remote) != 1 || ft.remote[0].SDP != "a" {
		t.Fatalf("remote after retry = %+v", ft.remote)
	}
}

func TestSession_HandleAnswerWithoutCall(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.HandleAnswer(Description{Type: "answer", SDP: "a"}); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("err = %v, want ErrNoActiveCall", err)
	}
}

func TestSession_TransportFactoryErrorIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.factoryErr = errors.New("no camera")

	if err := h.session.StartCall(); err == nil {
		t.Fatal("StartCall succeeded without a transport")
	}
	if got := h.session.State(); got != SessionFailed {
		t.Fatalf("state = %v, want failed", got)
	}
}

func TestSession_TransportStatesMapToSessionStates(t *testing.T) {
	h := newHarness(t, nil)
	h.session.StartCall()
	ft := h.transport(0)

	ft.fireState(ConnConnected)
	if got := h.session.State(); got != SessionConnected {
		t.Fatalf("state = %v, want connected", got)
	}

	ft.fireState(ConnDisconnected)
	if got := h.session.State(); got != SessionDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}

	// Without a retry policy a failed transport is terminal.
	ft.fireState(ConnFailed)
	if got := h.session.State(); got != SessionFailed {
		t.Fatalf("state = %v, want failed", got)
	}
}

func TestSession_LocalCandidatesAreForwarded(t *testing.T) {
	h := newHarness(t, nil)
	h.session.StartCall()
	ft := h.transport(0)

	ft.onCand(Candidate{Candidate: "local-cand"})

	sigs := h.sentSignals()
	last := sigs[len(sigs)-1]
	if last.Type != SignalCandidate || last.Candidate.Candidate != "local-cand" {
		t.Fatalf("last signal = %+v", last)
	}
}

func TestSession_RemoteTracksAreSurfaced(t *testing.T) {
	var tracks []TrackInfo
	h := newHarness(t, func(cfg *SessionConfig) {
		cfg.OnRemoteTrack = func(ti TrackInfo) { tracks = append(tracks, ti) }
	})
	h.session.StartCall()
	ft := h.transport(0)

	ft.onTrack(TrackInfo{ID: "mic", Kind: "audio"})
	if len(tracks) != 1 || tracks[0].ID != "mic" || tracks[0].Kind != "audio" {
		t.Fatalf("tracks = %+v", tracks)
	}

	// Tracks from a superseded transport are dropped.
	h.session.StartCall()
	ft.onTrack(TrackInfo{ID: "cam", Kind: "video"})
	if len(tracks) != 1 {
		t.Fatalf("stale track surfaced: %+v", tracks)
	}
}

func TestSession_StaleTransportCallbacksIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.session.StartCall()
	old := h.transport(0)
	h.session.StartCall()

	old.fireState(ConnConnected)
	if got := h.session.State(); got != SessionOffering {
		t.Fatalf("state = %v, stale callback changed it", got)
	}
}

func retryPolicy(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       maxAttempts,
		DisconnectedGrace: 3 * time.Second,
		InitialBackoff:    time.Second,
		Multiplier:        2,
		MaxBackoff:        30 * time.Second,
	}
}

func TestSession_SupervisorRestartsFailedCall(t *testing.T) {
	h := newHarness(t, func(cfg *SessionConfig) {
		cfg.Retry = retryPolicy(2)
	})

	h.session.StartCall()
	h.transport(0).fireState(ConnFailed)

	if got := h.session.State(); got != SessionDisconnected {
		t.Fatalf("state = %v, want disconnected while retrying", got)
	}
	if !h.timers.fireNext() {
		t.Fatal("no restart timer armed")
	}
	if h.transportCount() != 2 {
		t.Fatalf("transports = %d, want 2 after restart", h.transportCount())
	}
	if !h.transport(0).isClosed() {
		t.Fatal("failed transport not closed")
	}
}

func TestSession_SupervisorGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, func(cfg *SessionConfig) {
		cfg.Retry = retryPolicy(2)
	})

	h.session.StartCall()
	for attempt := 0; attempt < 2; attempt++ {
		h.transport(h.transportCount() - 1).fireState(ConnFailed)
		if !h.timers.fireNext() {
			t.Fatalf("attempt %d: no restart timer", attempt+1)
		}
	}
	// Third failure exceeds the budget.
	h.transport(h.transportCount() - 1).fireState(ConnFailed)
	if !h.timers.fireNext() {
		t.Fatal("no give-up timer armed")
	}

	if got := h.session.State(); got != SessionFailed {
		t.Fatalf("state = %v, want failed", got)
	}
	if err := h.session.StartCall(); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("StartCall after giving up = %v, want ErrSessionEnded", err)
	}
}

func TestSession_SupervisorGraceCancelledOnRecovery(t *testing.T) {
	h := newHarness(t, func(cfg *SessionConfig) {
		cfg.Retry = retryPolicy(3)
	})

	h.session.StartCall()
	ft := h.transport(0)
	ft.fireState(ConnDisconnected)
	if h.timers.pending() != 1 {
		t.Fatalf("pending timers = %d, want grace timer", h.timers.pending())
	}

	ft.fireState(ConnConnected)
	if h.timers.pending() != 0 {
		t.Fatal("grace timer survived recovery")
	}
	if h.timers.fireNext() {
		t.Fatal("cancelled timer fired")
	}
	if h.transportCount() != 1 {
		t.Fatalf("transports = %d, recovery should not restart", h.transportCount())
	}
}

func TestSession_SupervisorGraceExpiryRestarts(t *testing.T) {
	h := newHarness(t, func(cfg *SessionConfig) {
		cfg.Retry = retryPolicy(3)
	})

	h.session.StartCall()
	h.transport(0).fireState(ConnDisconnected)

	// Grace expiry arms the backoff timer, which then restarts.
	if !h.timers.fireNext() {
		t.Fatal("grace timer missing")
	}
	if !h.timers.fireNext() {
		t.Fatal("backoff timer missing")
	}
	if h.transportCount() != 2 {
		t.Fatalf("transports = %d, want 2 after grace expiry", h.transportCount())
	}
}

func TestSession_ConnectedResetsRetryBudget(t *testing.T) {
	h := newHarness(t, func(cfg *SessionConfig) {
		cfg.Retry = retryPolicy(1)
	})

	h.session.StartCall()
	h.transport(0).fireState(ConnFailed)
	h.timers.fireNext() // restart, attempt 1 of 1

	h.transport(1).fireState(ConnConnected)

	// The budget is fresh again, so another failure retries instead
	// of giving up.
	h.transport(1).fireState(ConnFailed)
	if !h.timers.fireNext() {
		t.Fatal("no restart timer after budget reset")
	}
	if got := h.session.State(); got == SessionFailed {
		t.Fatal("session failed despite reset budget")
	}
	if h.transportCount() != 3 {
		t.Fatalf("transports = %d, want 3", h.transportCount())
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, Multiplier: 2, MaxBackoff: 5 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := p.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
