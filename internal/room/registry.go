// Package room holds the relay's in-memory room state: which connection is
// in which room, and each room's chat log. Rooms are created lazily on first
// join and destroyed when the last member leaves; nothing is persisted.
package room

import (
	"sync"
	"time"

	"github.com/peercall/peercall/internal/metrics"
	"github.com/peercall/peercall/internal/ratelimit"
)

// Member is one live connection inside a room.
type Member struct {
	ConnID string
	Name   string
}

// ChatMessage is an immutable chat entry. IDs are derived from the creation
// timestamp but bumped when necessary so they are strictly increasing across
// the registry.
type ChatMessage struct {
	ID        int64
	Sender    string
	Text      string
	Timestamp time.Time
}

type roomState struct {
	id       string
	members  map[string]Member
	order    []string // join order, for deterministic member lists
	messages []ChatMessage
}

func (rs *roomState) memberList() []Member {
	out := make([]Member, 0, len(rs.order))
	for _, connID := range rs.order {
		out = append(out, rs.members[connID])
	}
	return out
}

func (rs *roomState) peersOf(connID string) []Member {
	out := make([]Member, 0, len(rs.order))
	for _, id := range rs.order {
		if id == connID {
			continue
		}
		out = append(out, rs.members[id])
	}
	return out
}

func (rs *roomState) remove(connID string) {
	delete(rs.members, connID)
	for i, id := range rs.order {
		if id == connID {
			rs.order = append(rs.order[:i], rs.order[i+1:]...)
			break
		}
	}
}

// LeaveResult describes a completed removal: the member that left, the peers
// still in the room (to notify), and whether the room was destroyed.
type LeaveResult struct {
	Room      string
	Member    Member
	Peers     []Member
	Destroyed bool
}

// JoinResult describes a completed join. Left is non-nil when the connection
// was implicitly removed from a previous room first.
type JoinResult struct {
	Room    string
	Member  Member
	Members []Member // updated member list, including the joiner
	Peers   []Member // everyone except the joiner, for presence notification
	Created bool
	Left    *LeaveResult
}

// Registry is the server-side room table. All mutation goes through its
// mutex; handlers run on per-connection goroutines.
type Registry struct {
	mu         sync.Mutex
	clock      ratelimit.Clock
	metrics    *metrics.Metrics
	rooms      map[string]*roomState
	roomByConn map[string]string
	lastChatID int64
}

func NewRegistry(clock ratelimit.Clock, m *metrics.Metrics) *Registry {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Registry{
		clock:      clock,
		metrics:    m,
		rooms:      make(map[string]*roomState),
		roomByConn: make(map[string]string),
	}
}

// Join places a connection into a room, creating the room if needed. A
// connection belongs to at most one room: joining while in another room
// leaves that room first (possibly destroying it), and the result carries
// the leave so the caller can send presence for it.
func (r *Registry) Join(connID, roomID, name string) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left *LeaveResult
	if prev, ok := r.roomByConn[connID]; ok && prev != roomID {
		res := r.leaveLocked(connID)
		left = &res
	} else if ok && prev == roomID {
		// Re-join of the same room: refresh the display name in place.
		rs := r.rooms[roomID]
		m := rs.members[connID]
		m.Name = name
		rs.members[connID] = m
		return JoinResult{
			Room:    roomID,
			Member:  m,
			Members: rs.memberList(),
			Peers:   rs.peersOf(connID),
		}
	}

	rs, ok := r.rooms[roomID]
	created := false
	if !ok {
		rs = &roomState{
			id:      roomID,
			members: make(map[string]Member),
		}
		r.rooms[roomID] = rs
		created = true
		r.metrics.Inc(metrics.EventRoomCreated)
	}

	member := Member{ConnID: connID, Name: name}
	rs.members[connID] = member
	rs.order = append(rs.order, connID)
	r.roomByConn[connID] = roomID
	r.metrics.Inc(metrics.EventMemberJoined)

	return JoinResult{
		Room:    roomID,
		Member:  member,
		Members: rs.memberList(),
		Peers:   rs.peersOf(connID),
		Created: created,
		Left:    left,
	}
}

// Leave removes the connection from its room, destroying the room if it is
// now empty. It is idempotent: a connection with no room reports ok=false.
func (r *Registry) Leave(connID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.roomByConn[connID]; !ok {
		return LeaveResult{}, false
	}
	return r.leaveLocked(connID), true
}

func (r *Registry) leaveLocked(connID string) LeaveResult {
	roomID := r.roomByConn[connID]
	delete(r.roomByConn, connID)

	rs, ok := r.rooms[roomID]
	if !ok {
		return LeaveResult{Room: roomID, Member: Member{ConnID: connID}}
	}

	member := rs.members[connID]
	rs.remove(connID)
	r.metrics.Inc(metrics.EventMemberLeft)

	res := LeaveResult{
		Room:   roomID,
		Member: member,
		Peers:  rs.memberList(),
	}
	if len(rs.members) == 0 {
		delete(r.rooms, roomID)
		res.Destroyed = true
		r.metrics.Inc(metrics.EventRoomDestroyed)
	}
	return res
}

// RecordMessage appends a chat message to the sender's room and returns it
// together with the full member list for broadcast (including the sender).
// A connection with no room is a silent no-op: disconnect ordering is not
// guaranteed, so late messages are expected.
func (r *Registry) RecordMessage(connID, text string) (ChatMessage, []Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.roomByConn[connID]
	if !ok {
		return ChatMessage{}, nil, false
	}
	rs, ok := r.rooms[roomID]
	if !ok {
		return ChatMessage{}, nil, false
	}

	now := r.clock.Now()
	id := now.UnixMilli()
	if id <= r.lastChatID {
		id = r.lastChatID + 1
	}
	r.lastChatID = id

	msg := ChatMessage{
		ID:        id,
		Sender:    rs.members[connID].Name,
		Text:      text,
		Timestamp: now,
	}
	rs.messages = append(rs.messages, msg)
	r.metrics.Inc(metrics.EventChatMessage)

	return msg, rs.memberList(), true
}

// Peers returns the other members of the connection's room, or nil if the
// connection is roomless.
func (r *Registry) Peers(connID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.roomByConn[connID]
	if !ok {
		return nil
	}
	rs, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return rs.peersOf(connID)
}

// Lookup returns the member record and room for a connection.
func (r *Registry) Lookup(connID string) (Member, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.roomByConn[connID]
	if !ok {
		return Member{}, "", false
	}
	rs, ok := r.rooms[roomID]
	if !ok {
		return Member{}, "", false
	}
	return rs.members[connID], roomID, true
}

// Messages returns a copy of a room's chat log in append order.
func (r *Registry) Messages(roomID string) []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]ChatMessage, len(rs.messages))
	copy(out, rs.messages)
	return out
}

// RoomCount reports the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// MemberCount reports the member count of a room, 0 if it does not exist.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rs.members)
}
