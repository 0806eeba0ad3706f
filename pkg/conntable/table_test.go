package conntable

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

type fakeHandle struct {
	peer string
	user any
}

func (h *fakeHandle) Peer() string       { return h.peer }
func (h *fakeHandle) RemoteAddr() string { return "127.0.0.1:0" }
func (h *fakeHandle) User() any          { return h.user }
func (h *fakeHandle) SetUser(v any)      { h.user = v }

func TestNewDefaultMax(t *testing.T) {
	tbl := New(0)
	if tbl.Max() != DefaultMaxConnections {
		t.Errorf("Max() = %d, want %d", tbl.Max(), DefaultMaxConnections)
	}
}

func TestAddAssignsSequentialIDs(t *testing.T) {
	tbl := New(4)
	for want := uint32(1); want <= 3; want++ {
		conn, err := tbl.Add(&fakeHandle{})
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if conn.ID != want {
			t.Errorf("Add() id = %d, want %d", conn.ID, want)
		}
	}
	if tbl.Count() != 3 {
		t.Errorf("Count() = %d, want 3", tbl.Count())
	}
}

func TestAddRejectsWhenFull(t *testing.T) {
	tbl := New(2)
	tbl.Add(&fakeHandle{})
	tbl.Add(&fakeHandle{})

	conn, err := tbl.Add(&fakeHandle{})
	if !errors.Is(err, ErrTableFull) {
		t.Errorf("Add() error = %v, want ErrTableFull", err)
	}
	if conn != nil {
		t.Error("Add() should return nil connection when full")
	}
	if tbl.Count() != 2 {
		t.Errorf("Count() = %d, want 2", tbl.Count())
	}
}

func TestAddSkipsZeroOnWraparound(t *testing.T) {
	tbl := New(4)
	tbl.seq = math.MaxUint32

	a, _ := tbl.Add(&fakeHandle{})
	b, _ := tbl.Add(&fakeHandle{})
	if a.ID != math.MaxUint32 {
		t.Errorf("first id = %d, want %d", a.ID, uint32(math.MaxUint32))
	}
	if b.ID != 1 {
		t.Errorf("id after wraparound = %d, want 1", b.ID)
	}
}

func TestAddSkipsLiveIDsOnWraparound(t *testing.T) {
	tbl := New(4)
	first, _ := tbl.Add(&fakeHandle{}) // id 1 stays live
	tbl.seq = math.MaxUint32

	tbl.Add(&fakeHandle{}) // MaxUint32
	next, _ := tbl.Add(&fakeHandle{})
	if next.ID == first.ID {
		t.Fatalf("id %d reused while live", next.ID)
	}
	if next.ID != 2 {
		t.Errorf("id = %d, want 2", next.ID)
	}
}

func TestIDsUniqueWhileLive(t *testing.T) {
	tbl := New(16)
	rng := rand.New(rand.NewSource(1))
	tbl.seq = math.MaxUint32 - 100

	live := make(map[uint32]bool)
	for i := 0; i < 5000; i++ {
		if len(live) > 0 && (rng.Intn(2) == 0 || len(live) == tbl.Max()) {
			for id := range live {
				if !tbl.Remove(id) {
					t.Fatalf("Remove(%d) = false for live id", id)
				}
				delete(live, id)
				break
			}
			continue
		}
		conn, err := tbl.Add(&fakeHandle{})
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if conn.ID == 0 {
			t.Fatal("Add() assigned id 0")
		}
		if live[conn.ID] {
			t.Fatalf("id %d assigned twice while live", conn.ID)
		}
		live[conn.ID] = true
	}
}

func TestGetAndRemove(t *testing.T) {
	tbl := New(4)
	h := &fakeHandle{peer: "a"}
	conn, _ := tbl.Add(h)

	got, ok := tbl.Get(conn.ID)
	if !ok || got.Handle != h {
		t.Fatalf("Get(%d) = %v, %v", conn.ID, got, ok)
	}
	if !tbl.Remove(conn.ID) {
		t.Error("Remove() = false, want true")
	}
	if tbl.Remove(conn.ID) {
		t.Error("second Remove() = true, want false")
	}
	if _, ok := tbl.Get(conn.ID); ok {
		t.Error("Get() after Remove should fail")
	}
}

func TestSnapshotOrdered(t *testing.T) {
	tbl := New(8)
	for i := 0; i < 5; i++ {
		tbl.Add(&fakeHandle{})
	}
	tbl.Remove(3)

	snap := tbl.Snapshot()
	want := []uint32{1, 2, 4, 5}
	if len(snap) != len(want) {
		t.Fatalf("Snapshot() len = %d, want %d", len(snap), len(want))
	}
	for i, c := range snap {
		if c.ID != want[i] {
			t.Errorf("Snapshot()[%d].ID = %d, want %d", i, c.ID, want[i])
		}
	}
}

func TestConnectionOutboxSingleInFlight(t *testing.T) {
	conn := &Connection{ID: 1}
	if conn.Busy() {
		t.Fatal("new connection should be idle")
	}
	if !conn.Assign("first") {
		t.Fatal("Assign() on idle connection = false")
	}
	conn.Outbox().Cursor = 10

	if conn.Assign("second") {
		t.Error("Assign() on busy connection = true, want false")
	}
	if got := conn.Outbox(); got.Payload != "first" || got.Cursor != 10 {
		t.Errorf("outbox = %+v, want first@10", got)
	}

	conn.ClearOutbox()
	if conn.Busy() {
		t.Error("Busy() after ClearOutbox = true")
	}
}

func TestConnectionInbox(t *testing.T) {
	conn := &Connection{ID: 1}
	conn.AppendInbox([]byte("hel"))
	if n := conn.AppendInbox([]byte("lo")); n != 5 {
		t.Errorf("AppendInbox() = %d, want 5", n)
	}
	if conn.Inbox() != "hello" {
		t.Errorf("Inbox() = %q, want hello", conn.Inbox())
	}
	conn.ResetInbox()
	if conn.Inbox() != "" {
		t.Errorf("Inbox() after reset = %q, want empty", conn.Inbox())
	}
}
