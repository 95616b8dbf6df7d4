package routestate

import (
	"testing"
	"time"
)

func TestBeginClearRouteInFlight(t *testing.T) {
	c := New()
	route := "user:111"

	id1, prev := c.BeginRouteInFlight(route, "m1", func() {})
	if prev != nil {
		t.Fatalf("expected no previous in-flight, got %+v", prev)
	}

	id2, prev2 := c.BeginRouteInFlight(route, "m2", func() {})
	if prev2 == nil || prev2.DispatchID != id1 {
		t.Fatalf("expected previous = %s, got %+v", id1, prev2)
	}
	if id1 == id2 {
		t.Fatal("expected distinct dispatch ids")
	}

	// Clear-by-owner: old id must fail now that id2 is current.
	if c.ClearRouteInFlight(route, id1) {
		t.Error("stale clear should fail")
	}
	if !c.ClearRouteInFlight(route, id2) {
		t.Error("current clear should succeed")
	}
	if _, ok := c.CurrentInFlight(route); ok {
		t.Error("expected no in-flight after clear")
	}
}

func TestDispatchIDMonotonicPerRoute(t *testing.T) {
	c := New()
	route := "group:555"
	var ids []string
	for i := 0; i < 5; i++ {
		id, _ := c.BeginRouteInFlight(route, "m", func() {})
		ids = append(ids, id)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate dispatch id %s", id)
		}
		seen[id] = true
	}
}

func TestPendingLatestAtMostOne(t *testing.T) {
	c := New()
	route := "group:1"
	c.SetPendingLatest(&PendingLatest{Route: route, MsgID: "a", InboundSeq: 1})
	c.SetPendingLatest(&PendingLatest{Route: route, MsgID: "b", InboundSeq: 2})

	p, ok := c.PendingLatest(route)
	if !ok || p.MsgID != "b" {
		t.Fatalf("expected latest entry b, got %+v", p)
	}
}

func TestTakePendingLatestIfSeqLE(t *testing.T) {
	c := New()
	route := "group:1"
	c.SetPendingLatest(&PendingLatest{Route: route, MsgID: "a", InboundSeq: 5})

	if _, ok := c.TakePendingLatestIfSeqLE(route, 3); ok {
		t.Error("should not drain when pending seq > our seq")
	}
	p, ok := c.TakePendingLatestIfSeqLE(route, 5)
	if !ok || p.MsgID != "a" {
		t.Fatalf("expected drain, got ok=%v p=%+v", ok, p)
	}
	if _, ok := c.PendingLatest(route); ok {
		t.Error("pending should be cleared after drain")
	}
}

func TestRecentlyTimedOut(t *testing.T) {
	c := New()
	route := "user:1"
	now := time.Now()
	if c.RecentlyTimedOut(route, time.Minute, now) {
		t.Error("expected false before any timeout")
	}
	c.RecordTimeout(route)
	if !c.RecentlyTimedOut(route, time.Minute, time.Now()) {
		t.Error("expected true right after timeout")
	}
}

func TestFileTaskLock(t *testing.T) {
	f := NewFileTaskLock()
	route := "group:9"
	if f.Held(route) {
		t.Error("should not be held initially")
	}
	f.Acquire(route, 50*time.Millisecond)
	if !f.Held(route) {
		t.Error("should be held right after acquire")
	}
	time.Sleep(80 * time.Millisecond)
	if f.Held(route) {
		t.Error("should have expired")
	}
}

func TestIsCurrentDispatch(t *testing.T) {
	c := New()
	route := "user:2"
	id, _ := c.BeginRouteInFlight(route, "m", func() {})
	if !c.IsCurrentDispatch(route, id) {
		t.Error("expected current")
	}
	if c.IsCurrentDispatch(route, "bogus") {
		t.Error("expected not current")
	}
}
