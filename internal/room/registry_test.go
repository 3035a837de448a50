package room

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/peercall/peercall/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock, *metrics.Metrics) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	m := metrics.New()
	return NewRegistry(clk, m), clk, m
}

func TestJoin_CreatesRoomLazily(t *testing.T) {
	r, _, m := newTestRegistry()

	res := r.Join("c1", "r1", "alice")
	if !res.Created {
		t.Fatalf("expected room creation on first join")
	}
	if len(res.Members) != 1 || res.Members[0].Name != "alice" {
		t.Fatalf("unexpected member list: %#v", res.Members)
	}
	if len(res.Peers) != 0 {
		t.Fatalf("expected no peers for first member, got %#v", res.Peers)
	}
	if got := m.Get(metrics.EventRoomCreated); got != 1 {
		t.Fatalf("room_created=%d, want 1", got)
	}

	res = r.Join("c2", "r1", "bob")
	if res.Created {
		t.Fatalf("expected existing room on second join")
	}
	if len(res.Peers) != 1 || res.Peers[0].ConnID != "c1" {
		t.Fatalf("unexpected peers: %#v", res.Peers)
	}
}

func TestJoin_ImplicitlyLeavesPreviousRoom(t *testing.T) {
	r, _, _ := newTestRegistry()

	r.Join("c1", "r1", "alice")
	r.Join("c2", "r1", "bob")

	res := r.Join("c1", "r2", "alice")
	if res.Left == nil {
		t.Fatalf("expected implicit leave of r1")
	}
	if res.Left.Room != "r1" || res.Left.Destroyed {
		t.Fatalf("unexpected leave result: %#v", res.Left)
	}
	if len(res.Left.Peers) != 1 || res.Left.Peers[0].ConnID != "c2" {
		t.Fatalf("expected bob to be notified, got %#v", res.Left.Peers)
	}

	if _, roomID, ok := r.Lookup("c1"); !ok || roomID != "r2" {
		t.Fatalf("c1 should be in r2, got %q ok=%v", roomID, ok)
	}
	if r.MemberCount("r1") != 1 {
		t.Fatalf("r1 should still hold bob")
	}
}

func TestJoin_MovingLastMemberDestroysOldRoom(t *testing.T) {
	r, _, m := newTestRegistry()

	r.Join("c1", "r1", "alice")
	res := r.Join("c1", "r2", "alice")

	if res.Left == nil || !res.Left.Destroyed {
		t.Fatalf("expected r1 destroyed, got %#v", res.Left)
	}
	if r.RoomCount() != 1 {
		t.Fatalf("expected exactly one room, got %d", r.RoomCount())
	}
	if got := m.Get(metrics.EventRoomDestroyed); got != 1 {
		t.Fatalf("room_destroyed=%d, want 1", got)
	}
}

func TestJoin_SameRoomRefreshesName(t *testing.T) {
	r, _, _ := newTestRegistry()

	r.Join("c1", "r1", "alice")
	res := r.Join("c1", "r1", "alicia")

	if res.Left != nil {
		t.Fatalf("re-join of same room must not leave")
	}
	if m, _, _ := r.Lookup("c1"); m.Name != "alicia" {
		t.Fatalf("expected refreshed name, got %q", m.Name)
	}
	if r.MemberCount("r1") != 1 {
		t.Fatalf("re-join must not duplicate membership")
	}
}

func TestLeave_Idempotent(t *testing.T) {
	r, _, _ := newTestRegistry()

	if _, ok := r.Leave("ghost"); ok {
		t.Fatalf("leave of unknown connection should report ok=false")
	}

	r.Join("c1", "r1", "alice")
	res, ok := r.Leave("c1")
	if !ok || !res.Destroyed {
		t.Fatalf("expected destroy on last leave, got %#v ok=%v", res, ok)
	}
	if _, ok := r.Leave("c1"); ok {
		t.Fatalf("second leave should be a no-op")
	}
}

func TestRoomExistsIffNonEmpty(t *testing.T) {
	r, _, _ := newTestRegistry()

	// Interleaved joins and leaves across two rooms; after every step a room
	// must be present exactly when it has members.
	steps := []struct {
		join bool
		conn string
		room string
	}{
		{true, "a", "r1"},
		{true, "b", "r1"},
		{true, "c", "r2"},
		{false, "a", ""},
		{true, "b", "r2"}, // implicit leave empties r1
		{false, "c", ""},
		{false, "b", ""},
	}

	for i, s := range steps {
		if s.join {
			r.Join(s.conn, s.room, s.conn)
		} else {
			r.Leave(s.conn)
		}
		for _, roomID := range []string{"r1", "r2"} {
			n := r.MemberCount(roomID)
			if n < 0 {
				t.Fatalf("step %d: negative member count for %s", i, roomID)
			}
		}
	}

	if r.RoomCount() != 0 {
		t.Fatalf("expected all rooms destroyed, got %d", r.RoomCount())
	}
}

func TestRecordMessage_NoRoomIsNoOp(t *testing.T) {
	r, _, m := newTestRegistry()

	if _, _, ok := r.RecordMessage("ghost", "hello"); ok {
		t.Fatalf("expected no-op for roomless connection")
	}
	if got := m.Get(metrics.EventChatMessage); got != 0 {
		t.Fatalf("chat_message=%d, want 0", got)
	}
}

func TestRecordMessage_OrderAndMonotonicIDs(t *testing.T) {
	r, clk, _ := newTestRegistry()

	r.Join("c1", "r1", "alice")
	r.Join("c2", "r1", "bob")

	var ids []int64
	for i := 0; i < 5; i++ {
		msg, members, ok := r.RecordMessage("c1", fmt.Sprintf("msg-%d", i))
		if !ok {
			t.Fatalf("record %d failed", i)
		}
		if len(members) != 2 {
			t.Fatalf("broadcast list should include sender, got %#v", members)
		}
		ids = append(ids, msg.ID)
		if i%2 == 0 {
			clk.Advance(time.Millisecond)
		}
		// Odd iterations reuse the same clock reading; IDs must still advance.
	}

	log := r.Messages("r1")
	if len(log) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(log))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
		if log[i].Text != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("messages out of order: %#v", log)
		}
	}
}

func TestChatLogDiscardedWithRoom(t *testing.T) {
	r, _, _ := newTestRegistry()

	r.Join("c1", "r1", "alice")
	r.RecordMessage("c1", "hello")
	r.Leave("c1")

	r.Join("c2", "r1", "bob")
	if msgs := r.Messages("r1"); len(msgs) != 0 {
		t.Fatalf("recreated room must start with an empty log, got %#v", msgs)
	}
}

func TestPeers(t *testing.T) {
	r, _, _ := newTestRegistry()

	if peers := r.Peers("ghost"); peers != nil {
		t.Fatalf("expected nil peers for roomless connection")
	}

	r.Join("c1", "r1", "alice")
	r.Join("c2", "r1", "bob")
	r.Join("c3", "r1", "carol")

	peers := r.Peers("c2")
	if len(peers) != 2 || peers[0].ConnID != "c1" || peers[1].ConnID != "c3" {
		t.Fatalf("unexpected peers for c2: %#v", peers)
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	r, _, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			for j := 0; j < 100; j++ {
				r.Join(conn, fmt.Sprintf("r%d", j%3), conn)
				r.RecordMessage(conn, "x")
				r.Leave(conn)
			}
		}(i)
	}
	wg.Wait()

	if r.RoomCount() != 0 {
		t.Fatalf("expected no rooms after all leaves, got %d", r.RoomCount())
	}
}
