package metrics

import "sync"

// Event counter names used by the signaling relay.
const (
	EventRoomCreated         = "room_created"
	EventRoomDestroyed       = "room_destroyed"
	EventMemberJoined        = "member_joined"
	EventMemberLeft          = "member_left"
	EventSignalRelayed       = "signal_relayed"
	EventSignalDroppedNoPeer = "signal_dropped_no_peer"
	EventChatMessage         = "chat_message"
	EventRateLimited         = "rate_limited"
	EventProtocolError       = "protocol_error"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps routing and registry logic testable without a metrics backend
// while still being scrapeable through the Prometheus text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc increments a counter. A nil *Metrics is a no-op so callers don't need
// to guard every increment.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
