package webserver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wsbroker/wsbroker/pkg/conntable"
	"github.com/wsbroker/wsbroker/pkg/engine"
	"github.com/wsbroker/wsbroker/pkg/metrics"
	"github.com/wsbroker/wsbroker/pkg/queue"
)

type fakeHandle struct {
	user any
}

func (h *fakeHandle) Peer() string       { return "fake" }
func (h *fakeHandle) RemoteAddr() string { return "fake:0" }
func (h *fakeHandle) User() any          { return h.user }
func (h *fakeHandle) SetUser(v any)      { h.user = v }

type frame struct {
	data         string
	first, final bool
}

// fakeEngine records writable requests and writes.
type fakeEngine struct {
	writable []engine.Handle
	writes   map[engine.Handle][]frame
	short    map[engine.Handle]bool
	fail     map[engine.Handle]error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		writes: make(map[engine.Handle][]frame),
		short:  make(map[engine.Handle]bool),
		fail:   make(map[engine.Handle]error),
	}
}

func (e *fakeEngine) Listen(context.Context) error    { return nil }
func (e *fakeEngine) Service(time.Duration) error     { return nil }
func (e *fakeEngine) RequestWritable(h engine.Handle) { e.writable = append(e.writable, h) }
func (e *fakeEngine) CloseConn(engine.Handle)         {}
func (e *fakeEngine) Cancel()                         {}
func (e *fakeEngine) Destroy()                        {}
func (e *fakeEngine) Write(h engine.Handle, p []byte, first, final bool) (int, error) {
	if err := e.fail[h]; err != nil {
		return 0, err
	}
	n := len(p)
	if e.short[h] && n > 0 {
		n--
	}
	e.writes[h] = append(e.writes[h], frame{data: string(p[:n]), first: first, final: final})
	return n, nil
}

func newTestScheduler(maxFrame int) (*scheduler, *fakeEngine, *conntable.Table, *metrics.Recorder) {
	eng := newFakeEngine()
	table := conntable.New(8)
	rec := metrics.New()
	return &scheduler{
		eng:      eng,
		table:    table,
		outbound: queue.New[Message](16),
		maxFrame: maxFrame,
		metrics:  rec,
		logger:   testLogger(),
	}, eng, table, rec
}

// pump delivers writable callbacks until none are pending.
func pump(t *testing.T, s *scheduler, eng *fakeEngine) []error {
	t.Helper()
	var errs []error
	for i := 0; len(eng.writable) > 0; i++ {
		if i > 10000 {
			t.Fatal("writable callbacks never settle")
		}
		pending := eng.writable
		eng.writable = nil
		for _, h := range pending {
			c, ok := s.table.Get(h.User().(uint32))
			if !ok {
				continue
			}
			if err := s.writable(c); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

func joined(frames []frame) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f.data)
	}
	return b.String()
}

func TestSchedulerChunksMessage(t *testing.T) {
	s, eng, table, rec := newTestScheduler(4096)
	c := addConn(t, table)
	payload := strings.Repeat("hello", 2000)

	s.outbound.Offer(Message{ConnectionID: Broadcast, Payload: payload}, 0)
	if n := s.drain(); n != 1 {
		t.Fatalf("drain() = %d, want 1", n)
	}
	if errs := pump(t, s, eng); len(errs) != 0 {
		t.Fatalf("writable errors: %v", errs)
	}

	frames := eng.writes[c.Handle]
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	wantLens := []int{4096, 4096, 1808}
	for i, f := range frames {
		if len(f.data) != wantLens[i] {
			t.Errorf("frame %d: %d bytes, want %d", i, len(f.data), wantLens[i])
		}
		if f.first != (i == 0) || f.final != (i == 2) {
			t.Errorf("frame %d: first/final = %v/%v", i, f.first, f.final)
		}
	}
	if joined(frames) != payload {
		t.Error("frames do not reassemble to the payload")
	}
	if c.Busy() {
		t.Error("connection still busy after final chunk")
	}

	snap := rec.Snapshot()
	if snap.FramesSent != 3 || snap.MessagesDelivered != 1 {
		t.Errorf("FramesSent/MessagesDelivered = %d/%d, want 3/1", snap.FramesSent, snap.MessagesDelivered)
	}
}

func TestSchedulerBusyConnectionSkipped(t *testing.T) {
	s, eng, table, rec := newTestScheduler(4)
	c := addConn(t, table)

	s.outbound.Offer(Message{ConnectionID: c.ID, Payload: "first message"}, 0)
	s.outbound.Offer(Message{ConnectionID: c.ID, Payload: "second"}, 0)
	s.drain()

	ob := c.Outbox()
	if ob == nil || ob.Payload != "first message" || ob.Cursor != 0 {
		t.Fatalf("Outbox() = %+v, want first message at cursor 0", ob)
	}
	if got := rec.Snapshot().DroppedBusy; got != 1 {
		t.Errorf("DroppedBusy = %d, want 1", got)
	}

	pump(t, s, eng)
	if got := joined(eng.writes[c.Handle]); got != "first message" {
		t.Errorf("written = %q, want %q", got, "first message")
	}
}

func TestSchedulerBusyOutboxUntouched(t *testing.T) {
	s, eng, table, _ := newTestScheduler(4)
	c := addConn(t, table)

	s.outbound.Offer(Message{ConnectionID: c.ID, Payload: "abcdefgh"}, 0)
	s.drain()

	// One chunk out, then a second message arrives mid-send.
	eng.writable = nil
	if err := s.writable(c); err != nil {
		t.Fatalf("writable() error: %v", err)
	}

	s.outbound.Offer(Message{ConnectionID: c.ID, Payload: "other"}, 0)
	s.drain()

	ob := c.Outbox()
	if ob == nil || ob.Payload != "abcdefgh" || ob.Cursor != 4 {
		t.Fatalf("Outbox() = %+v, want abcdefgh at cursor 4", ob)
	}

	pump(t, s, eng)
	frames := eng.writes[c.Handle]
	if len(frames) != 2 || joined(frames) != "abcdefgh" {
		t.Errorf("frames = %+v, want abcdefgh in 2 frames", frames)
	}
}

func TestSchedulerBroadcastSkipsBusy(t *testing.T) {
	s, eng, table, _ := newTestScheduler(4096)
	a := addConn(t, table)
	b := addConn(t, table)
	c := addConn(t, table)
	c.Assign("in flight")

	s.outbound.Offer(Message{ConnectionID: Broadcast, Payload: "news"}, 0)
	s.drain()

	if ob := c.Outbox(); ob == nil || ob.Payload != "in flight" {
		t.Fatalf("busy Outbox() = %+v, want in flight", ob)
	}
	if len(eng.writable) != 2 {
		t.Fatalf("writable requests = %d, want 2", len(eng.writable))
	}
	pump(t, s, eng)

	for _, conn := range []*conntable.Connection{a, b} {
		if got := joined(eng.writes[conn.Handle]); got != "news" {
			t.Errorf("connection %d received %q, want %q", conn.ID, got, "news")
		}
	}
	if got := eng.writes[c.Handle]; len(got) != 0 {
		t.Errorf("busy connection received %+v, want nothing", got)
	}
}

func TestSchedulerTargetedSend(t *testing.T) {
	s, eng, table, rec := newTestScheduler(4096)
	a := addConn(t, table)
	b := addConn(t, table)

	s.outbound.Offer(Message{ConnectionID: b.ID, Payload: "for b"}, 0)
	s.outbound.Offer(Message{ConnectionID: 999, Payload: "for nobody"}, 0)
	s.drain()
	pump(t, s, eng)

	if got := eng.writes[a.Handle]; len(got) != 0 {
		t.Errorf("a received %+v, want nothing", got)
	}
	if got := joined(eng.writes[b.Handle]); got != "for b" {
		t.Errorf("b received %q, want %q", got, "for b")
	}
	if got := rec.Snapshot().DroppedNoDestination; got != 1 {
		t.Errorf("DroppedNoDestination = %d, want 1", got)
	}
}

func TestSchedulerShortWrite(t *testing.T) {
	s, eng, table, rec := newTestScheduler(4)
	c := addConn(t, table)
	eng.short[c.Handle] = true

	s.outbound.Offer(Message{ConnectionID: c.ID, Payload: "abcdefgh"}, 0)
	s.drain()
	errs := pump(t, s, eng)

	if len(errs) != 1 {
		t.Fatalf("errors = %v, want 1", errs)
	}
	if !errors.Is(errs[0], ErrShortWrite) {
		t.Errorf("error = %v, want ErrShortWrite", errs[0])
	}
	if c.Busy() {
		t.Error("outbox not cleared after short write")
	}
	if got := len(eng.writes[c.Handle]); got != 1 {
		t.Errorf("writes = %d, want 1", got)
	}
	if got := rec.Snapshot().TransportErrors; got != 1 {
		t.Errorf("TransportErrors = %d, want 1", got)
	}
}

func TestSchedulerWriteError(t *testing.T) {
	s, eng, table, _ := newTestScheduler(4)
	c := addConn(t, table)
	boom := errors.New("broken pipe")
	eng.fail[c.Handle] = boom

	s.outbound.Offer(Message{ConnectionID: c.ID, Payload: "abc"}, 0)
	s.drain()
	errs := pump(t, s, eng)

	if len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Fatalf("errors = %v, want wrapped %v", errs, boom)
	}
	var te *TransportError
	if !errors.As(errs[0], &te) || te.Op != "write" {
		t.Errorf("error = %v, want write TransportError", errs[0])
	}
	if c.Busy() {
		t.Error("outbox not cleared after write error")
	}
}

func TestSchedulerSpuriousWritable(t *testing.T) {
	s, eng, table, _ := newTestScheduler(4)
	c := addConn(t, table)

	if err := s.writable(c); err != nil {
		t.Errorf("writable() on idle connection error: %v", err)
	}
	if len(eng.writes[c.Handle]) != 0 || len(eng.writable) != 0 {
		t.Error("idle writable callback produced activity")
	}
}

func TestSchedulerEmptyMessage(t *testing.T) {
	s, eng, table, _ := newTestScheduler(4)
	c := addConn(t, table)

	s.outbound.Offer(Message{ConnectionID: c.ID}, 0)
	s.drain()
	pump(t, s, eng)

	frames := eng.writes[c.Handle]
	if len(frames) != 1 || !frames[0].first || !frames[0].final || frames[0].data != "" {
		t.Errorf("frames = %+v, want one empty first+final frame", frames)
	}
}
