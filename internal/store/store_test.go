package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "x.json")
	in := &RouteUsage{DispatchCount: 3}
	if err := WriteJSONAtomic(path, in); err != nil {
		t.Fatal(err)
	}
	out := new(RouteUsage)
	found, err := ReadJSON(path, out)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if out.DispatchCount != 3 {
		t.Errorf("got %d", out.DispatchCount)
	}
}

func TestReadJSONMissingIsNotError(t *testing.T) {
	found, err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &RouteUsage{})
	if err != nil || found {
		t.Fatalf("found=%v err=%v", found, err)
	}
}

func TestBumpUsageMonotonic(t *testing.T) {
	dir := t.TempDir()
	rs := NewRouteStore(NewLayout(dir), "")
	route := "user:2151539153"
	if _, err := rs.GetOrCreateMeta(route, "qq-user-2151539153", false); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := rs.BumpUsage(route, UsageSendText); err != nil {
			t.Fatal(err)
		}
	}
	u, err := rs.Usage(route)
	if err != nil {
		t.Fatal(err)
	}
	if u.SendTextCount != 3 {
		t.Errorf("got %d, want 3", u.SendTextCount)
	}
}

func TestBumpImageWindowQuota(t *testing.T) {
	now := time.Now()
	c := DefaultConversationState(now)
	for i := 0; i < ImageWindowMax; i++ {
		if !c.BumpImageWindow(now) {
			t.Fatalf("expected allowed at i=%d", i)
		}
	}
	if c.BumpImageWindow(now) {
		t.Error("expected quota exceeded on 6th image")
	}
}
