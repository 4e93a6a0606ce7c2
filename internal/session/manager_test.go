package session

import (
	"crypto/rsa"
	"errors"
	"math/big"
	"reflect"
	"testing"
	"time"

	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/timer"
)

// The manager never uses the key material, so a placeholder is enough.
var testKey = &rsa.PublicKey{N: big.NewInt(1), E: 65537}

func newTestManager(t *testing.T, probe, hard, grace time.Duration) (*Manager, *timer.Scheduler) {
	t.Helper()
	sched := timer.NewScheduler(16)
	m := NewManager(Config{ProbeAfter: probe, HardTimeout: hard, GraceWindow: grace}, sched)
	t.Cleanup(func() {
		m.Close()
		sched.Close()
	})
	return m, sched
}

func nextLive(t *testing.T, sched *timer.Scheduler, within time.Duration) timer.Event {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev := <-sched.Results():
			if ev.Live() {
				return ev
			}
		case <-deadline:
			t.Fatalf("no live event within %v", within)
		}
	}
}

func TestRegisterMakesOperatorFree(t *testing.T) {
	m, _ := newTestManager(t, time.Hour, 2*time.Hour, time.Hour)

	if m.HasFreeOperator() {
		t.Fatal("empty pool should not be free")
	}
	m.Register("op-1", testKey)
	if !m.HasFreeOperator() {
		t.Fatal("registered operator should be free")
	}
	if m.State("op-1") != model.OperatorActive {
		t.Errorf("state = %v", m.State("op-1"))
	}
	if k, err := m.Key("op-1"); err != nil || k != testKey {
		t.Errorf("Key = %v, %v", k, err)
	}

	if err := m.Associations().Add(model.Association{Operator: "op-1", Address: model.Address{Backend: "web", ID: "a"}}); err != nil {
		t.Fatal(err)
	}
	if m.HasFreeOperator() {
		t.Error("associated operator should not be free")
	}
}

func TestFailedRegistrationIsNotReachable(t *testing.T) {
	m, _ := newTestManager(t, time.Hour, 2*time.Hour, time.Hour)
	m.Register("op-1", nil)

	if m.State("op-1") != model.OperatorActive || m.Registered("op-1") {
		t.Errorf("State=%v Registered=%v", m.State("op-1"), m.Registered("op-1"))
	}
	if _, err := m.Key("op-1"); !errors.Is(err, model.ErrUnknownRecipient) {
		t.Errorf("Key err = %v, want ErrUnknownRecipient", err)
	}
	if m.HasFreeOperator() {
		t.Error("operator without key should not count as free")
	}
	if len(m.Reachable()) != 0 {
		t.Errorf("Reachable = %v", m.Reachable())
	}
}

func TestProbeThenTimeoutEntersGrace(t *testing.T) {
	m, sched := newTestManager(t, 10*time.Millisecond, 30*time.Millisecond, time.Hour)
	m.Register("op-1", testKey)

	ev := nextLive(t, sched, time.Second)
	if ev.Kind != timer.KindProbe || ev.Operator != "op-1" {
		t.Fatalf("first event = %+v, want probe", ev)
	}
	ev = nextLive(t, sched, time.Second)
	if ev.Kind != timer.KindLivenessTimeout {
		t.Fatalf("second event = %+v, want liveness timeout", ev)
	}
	if err := m.HandleLivenessTimeout(ev.Operator); err != nil {
		t.Fatalf("HandleLivenessTimeout: %v", err)
	}
	if !m.InGrace("op-1") || m.HasFreeOperator() {
		t.Errorf("expected grace and no free operator")
	}
	if got := m.Reachable(); !reflect.DeepEqual(got, []string{"op-1"}) {
		t.Errorf("Reachable in grace = %v, want [op-1]", got)
	}
	if err := m.HandleLivenessTimeout("op-1"); !errors.Is(err, model.ErrStale) {
		t.Errorf("repeat timeout err = %v, want ErrStale", err)
	}
}

func TestActivityKeepsOperatorActive(t *testing.T) {
	m, sched := newTestManager(t, 20*time.Millisecond, 40*time.Millisecond, time.Hour)
	m.Register("op-1", testKey)

	stop := time.After(120 * time.Millisecond)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			m.Touch("op-1")
			continue
		case ev := <-sched.Results():
			if ev.Live() && ev.Kind == timer.KindLivenessTimeout {
				t.Fatal("active operator timed out")
			}
			continue
		case <-stop:
		}
		break
	}
	if m.State("op-1") != model.OperatorActive {
		t.Errorf("state = %v, want active", m.State("op-1"))
	}
}

func TestGraceResumeFlushesBufferInOrder(t *testing.T) {
	m, _ := newTestManager(t, time.Hour, 2*time.Hour, time.Hour)
	m.Register("op-1", testKey)
	if err := m.HandleLivenessTimeout("op-1"); err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"one", "two", "three"} {
		if !m.BufferForGrace("op-1", text) {
			t.Fatalf("BufferForGrace(%q) = false", text)
		}
	}

	resumed, wasGrace := m.Touch("op-1")
	if !wasGrace {
		t.Error("wasGrace = false")
	}
	if !reflect.DeepEqual(resumed, []string{"one", "two", "three"}) {
		t.Errorf("resumed = %v", resumed)
	}
	if m.InGrace("op-1") {
		t.Error("operator still in grace after resume")
	}
	if m.BufferForGrace("op-1", "four") {
		t.Error("BufferForGrace should fail for active operator")
	}
	if _, err := m.HandleGraceExpired("op-1"); !errors.Is(err, model.ErrStale) {
		t.Errorf("grace expiry after resume err = %v, want ErrStale", err)
	}
}

func TestGraceExpiryDisconnects(t *testing.T) {
	m, sched := newTestManager(t, time.Hour, 2*time.Hour, 20*time.Millisecond)
	m.Register("op-1", testKey)
	a := model.Association{Operator: "op-1", Address: model.Address{Backend: "web", ID: "a"}}
	b := model.Association{Operator: "op-1", Address: model.Address{Backend: "web", ID: "b"}}
	_ = m.Associations().Add(a)
	_ = m.Associations().Add(b)

	if err := m.HandleLivenessTimeout("op-1"); err != nil {
		t.Fatal(err)
	}
	ev := nextLive(t, sched, time.Second)
	if ev.Kind != timer.KindGraceExpired {
		t.Fatalf("event = %+v", ev)
	}
	dropped, err := m.HandleGraceExpired(ev.Operator)
	if err != nil {
		t.Fatalf("HandleGraceExpired: %v", err)
	}
	if !reflect.DeepEqual(dropped, []model.Association{a, b}) {
		t.Errorf("dropped = %+v", dropped)
	}
	if m.State("op-1") != model.OperatorUnknown || m.Associations().Len() != 0 {
		t.Error("operator and associations should be removed")
	}
}

func TestDisconnectBypassesGrace(t *testing.T) {
	m, _ := newTestManager(t, time.Hour, 2*time.Hour, time.Hour)
	m.Register("op-1", testKey)
	_ = m.Associations().Add(model.Association{Operator: "op-1", Address: model.Address{Backend: "web", ID: "a"}})

	dropped, err := m.Disconnect("op-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 1 {
		t.Errorf("dropped = %+v", dropped)
	}
	if m.State("op-1") != model.OperatorUnknown {
		t.Error("operator should be gone")
	}
	if _, err := m.Disconnect("op-1"); !errors.Is(err, model.ErrStale) {
		t.Errorf("second disconnect err = %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	m, _ := newTestManager(t, time.Hour, 2*time.Hour, time.Hour)
	m.Register("b", testKey)
	m.Register("a", nil)

	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].HasKey || !snap[1].HasKey {
		t.Errorf("HasKey flags wrong: %+v", snap)
	}
	if !reflect.DeepEqual(m.Connected(), []string{"a", "b"}) {
		t.Errorf("Connected = %v", m.Connected())
	}
}

func TestAssociationsTable(t *testing.T) {
	var tbl Associations
	a1 := model.Association{Operator: "op", Address: model.Address{Backend: "web", ID: "1"}}
	a2 := model.Association{Operator: "op", Address: model.Address{Backend: "web", ID: "2"}}
	other := model.Association{Operator: "x", Address: model.Address{Backend: "web", ID: "3"}}

	for _, a := range []model.Association{a1, a2, other} {
		if err := tbl.Add(a); err != nil {
			t.Fatal(err)
		}
	}
	if err := tbl.Add(model.Association{Operator: "y", Address: a1.Address}); err == nil {
		t.Error("duplicate address should be rejected")
	}

	if p, ok := tbl.Primary("op"); !ok || p != a1 {
		t.Errorf("Primary = %+v, %v", p, ok)
	}
	if got, ok := tbl.ByAddress(a2.Address); !ok || got.Operator != "op" {
		t.Errorf("ByAddress = %+v, %v", got, ok)
	}
	if n := tbl.Count("op"); n != 2 {
		t.Errorf("Count = %d", n)
	}

	if rm, ok := tbl.RemovePrimary("op"); !ok || rm != a1 {
		t.Errorf("RemovePrimary = %+v", rm)
	}
	if p, _ := tbl.Primary("op"); p != a2 {
		t.Errorf("Primary after remove = %+v", p)
	}
	if _, ok := tbl.RemovePrimary("nobody"); ok {
		t.Error("RemovePrimary for unknown operator should fail")
	}

	removed := tbl.RemoveOperator("op")
	if len(removed) != 1 || removed[0] != a2 {
		t.Errorf("RemoveOperator = %+v", removed)
	}
	if !reflect.DeepEqual(tbl.All(), []model.Association{other}) {
		t.Errorf("All = %+v", tbl.All())
	}
	if len(tbl.ByOperator("x")) != 1 {
		t.Error("ByOperator(x) should return one entry")
	}
}
