package ring

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/timer"
)

type resolved struct {
	id       uint64
	operator string
}

type delivered struct {
	operator string
	texts    []string
}

type fakeNotifier struct {
	rings      []uint64
	deadlines  []time.Time
	resolved   []resolved
	delivered  []delivered
	unanswered []model.Address
}

func (f *fakeNotifier) BroadcastRing(id uint64, deadline time.Time) {
	f.rings = append(f.rings, id)
	f.deadlines = append(f.deadlines, deadline)
}

func (f *fakeNotifier) BroadcastRingResolved(id uint64, operator string) {
	f.resolved = append(f.resolved, resolved{id, operator})
}

func (f *fakeNotifier) DeliverBuffered(operator string, e *Entry) {
	f.delivered = append(f.delivered, delivered{operator, append([]string(nil), e.Texts...)})
}

func (f *fakeNotifier) RingUnanswered(addr model.Address) {
	f.unanswered = append(f.unanswered, addr)
}

func newTestQueue(t *testing.T, window time.Duration, free bool) (*Queue, *fakeNotifier, *timer.Scheduler) {
	t.Helper()
	sched := timer.NewScheduler(8)
	t.Cleanup(sched.Close)
	n := &fakeNotifier{}
	q := NewQueue(Config{Window: window, ClientMargin: window / 12}, sched, n, CapacityFunc(func() bool { return free }))
	t.Cleanup(q.Close)
	return q, n, sched
}

var alice = model.Address{Backend: "web", ID: "alice"}

func TestSubmitCreatesThenAppends(t *testing.T) {
	q, n, _ := newTestQueue(t, time.Hour, true)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	texts := []string{"hello", "are you there", "please"}
	for i, text := range texts {
		out, err := q.Submit(alice, text)
		if err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
		want := Appended
		if i == 0 {
			want = New
		}
		if out != want {
			t.Errorf("Submit #%d = %v, want %v", i, out, want)
		}
	}

	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
	e, ok := q.lookup(alice)
	if !ok {
		t.Fatal("entry not found")
	}
	if !reflect.DeepEqual(e.Texts, texts) {
		t.Errorf("Texts = %v, want %v", e.Texts, texts)
	}
	if len(n.rings) != 1 || n.rings[0] != 0 {
		t.Errorf("rings broadcast = %v, want [0]", n.rings)
	}
	wantDeadline := fixed.Add(time.Hour - 5*time.Minute)
	if !n.deadlines[0].Equal(wantDeadline) {
		t.Errorf("deadline = %v, want %v", n.deadlines[0], wantDeadline)
	}
}

func TestSubmitCapacityExhausted(t *testing.T) {
	q, n, _ := newTestQueue(t, time.Hour, false)

	_, err := q.Submit(alice, "hello")
	if !errors.Is(err, model.ErrCapacityExhausted) {
		t.Fatalf("err = %v, want ErrCapacityExhausted", err)
	}
	if q.Len() != 0 || len(n.rings) != 0 {
		t.Errorf("no entry or broadcast expected, got len=%d rings=%v", q.Len(), n.rings)
	}
}

func TestSubmitIdsIncrease(t *testing.T) {
	q, n, _ := newTestQueue(t, time.Hour, true)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Submit(model.Address{Backend: "web", ID: id}, "x"); err != nil {
			t.Fatal(err)
		}
	}
	if !reflect.DeepEqual(n.rings, []uint64{0, 1, 2}) {
		t.Errorf("rings = %v", n.rings)
	}
	snap := q.Snapshot()
	if len(snap) != 3 || snap[0].Address.ID != "a" || snap[2].ID != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestClaimFirstWins(t *testing.T) {
	q, n, _ := newTestQueue(t, time.Hour, true)
	if _, err := q.Submit(alice, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit(alice, "again"); err != nil {
		t.Fatal(err)
	}

	assoc, err := q.Claim(0, "op-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if assoc.Operator != "op-1" || assoc.Address != alice {
		t.Errorf("assoc = %+v", assoc)
	}

	if _, err := q.Claim(0, "op-2"); !errors.Is(err, model.ErrStale) {
		t.Errorf("second claim err = %v, want ErrStale", err)
	}

	if len(n.resolved) != 1 || n.resolved[0] != (resolved{0, "op-1"}) {
		t.Errorf("resolved = %+v", n.resolved)
	}
	if len(n.delivered) != 1 || !reflect.DeepEqual(n.delivered[0].texts, []string{"hello", "again"}) {
		t.Errorf("delivered = %+v", n.delivered)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after claim", q.Len())
	}
}

func TestClaimCancelsExpiry(t *testing.T) {
	q, _, sched := newTestQueue(t, 20*time.Millisecond, true)
	if _, err := q.Submit(alice, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(0, "op-1"); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sched.Results():
		if ev.Live() {
			t.Errorf("expiry after claim should not be live: %+v", ev)
		}
	case <-time.After(60 * time.Millisecond):
	}
}

func TestExpiry(t *testing.T) {
	q, n, sched := newTestQueue(t, 10*time.Millisecond, true)
	if _, err := q.Submit(alice, "hello"); err != nil {
		t.Fatal(err)
	}

	var ev timer.Event
	select {
	case ev = <-sched.Results():
	case <-time.After(time.Second):
		t.Fatal("ring never expired")
	}
	if ev.Kind != timer.KindRingExpired || ev.Ring != 0 || !ev.Live() {
		t.Fatalf("event = %+v", ev)
	}

	if err := q.Expire(ev.Ring); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if len(n.resolved) != 1 || n.resolved[0] != (resolved{0, ""}) {
		t.Errorf("resolved = %+v", n.resolved)
	}
	if len(n.unanswered) != 1 || n.unanswered[0] != alice {
		t.Errorf("unanswered = %+v", n.unanswered)
	}
	if _, ok := q.lookup(alice); ok {
		t.Error("entry should be gone")
	}

	if err := q.Expire(0); !errors.Is(err, model.ErrStale) {
		t.Errorf("second Expire err = %v, want ErrStale", err)
	}
}

func TestNewRingAfterClaim(t *testing.T) {
	q, n, _ := newTestQueue(t, time.Hour, true)
	if _, err := q.Submit(alice, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(0, "op-1"); err != nil {
		t.Fatal(err)
	}
	out, err := q.Submit(alice, "two")
	if err != nil || out != New {
		t.Fatalf("Submit = %v, %v; want New", out, err)
	}
	if !reflect.DeepEqual(n.rings, []uint64{0, 1}) {
		t.Errorf("rings = %v", n.rings)
	}
}

func TestOutcomeString(t *testing.T) {
	if New.String() != "new" || Appended.String() != "appended" || Outcome(0).String() != "unknown" {
		t.Error("unexpected Outcome strings")
	}
}
