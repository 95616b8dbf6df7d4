package aggregate

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTwoFragmentsInsideWindowCoalesce(t *testing.T) {
	a := New()
	ctx := context.Background()
	window := 120 * time.Millisecond

	var wg sync.WaitGroup
	var first, second *Finalized
	wg.Add(2)
	go func() {
		defer wg.Done()
		first = a.Push(ctx, "group:100001", Fragment{MsgID: "1", Text: "A"}, window)
	}()
	time.Sleep(30 * time.Millisecond)
	go func() {
		defer wg.Done()
		second = a.Push(ctx, "group:100001", Fragment{MsgID: "2", Text: "B"}, window)
	}()
	wg.Wait()

	if first != nil {
		t.Fatalf("superseded push must return nil, got %+v", first)
	}
	if second == nil {
		t.Fatal("winning push must finalize")
	}
	if second.Text != "A\nB" {
		t.Fatalf("joined text = %q", second.Text)
	}
	if second.MsgID != "2" {
		t.Fatalf("msg id = %s, want newest", second.MsgID)
	}
}

func TestTwoFragmentsOutsideWindowSeparate(t *testing.T) {
	a := New()
	ctx := context.Background()
	window := 40 * time.Millisecond

	f1 := a.Push(ctx, "user:12345", Fragment{MsgID: "1", Text: "first"}, window)
	f2 := a.Push(ctx, "user:12345", Fragment{MsgID: "2", Text: "second"}, window)

	if f1 == nil || f2 == nil {
		t.Fatal("both pushes should finalize")
	}
	if f1.Text != "first" || f2.Text != "second" {
		t.Fatalf("texts = %q / %q", f1.Text, f2.Text)
	}
	if f2.Seq <= f1.Seq {
		t.Fatalf("seq must be monotonic: %d then %d", f1.Seq, f2.Seq)
	}
}

func TestSeqMonotonicAcrossWindows(t *testing.T) {
	a := New()
	ctx := context.Background()
	var last int64
	for i := 0; i < 4; i++ {
		f := a.Push(ctx, "user:54321", Fragment{MsgID: "m", Text: "x"}, time.Millisecond)
		if f == nil {
			t.Fatal("uncontended push should finalize")
		}
		if f.Seq <= last {
			t.Fatalf("seq not monotonic: %d after %d", f.Seq, last)
		}
		last = f.Seq
	}
}

func TestMediaURLsDedupAndStats(t *testing.T) {
	a := New()
	ctx := context.Background()
	window := 80 * time.Millisecond

	done := make(chan *Finalized, 1)
	go func() {
		done <- a.Push(ctx, "user:11111", Fragment{
			MsgID:     "1",
			MediaURLs: []string{"/tmp/a.jpg", "/tmp/b.jpg"},
			Stats:     MediaStats{ItemsTotal: 2, ItemsMaterialized: 2},
		}, window)
	}()
	time.Sleep(20 * time.Millisecond)
	fin := a.Push(ctx, "user:11111", Fragment{
		MsgID:     "2",
		MediaURLs: []string{"/tmp/a.jpg"},
		Stats:     MediaStats{ItemsTotal: 1, ItemsUnresolved: 1},
	}, window)
	<-done

	if fin == nil {
		t.Fatal("newest push should finalize")
	}
	if len(fin.MediaURLs) != 2 {
		t.Fatalf("media urls = %v, want deduped pair", fin.MediaURLs)
	}
	if fin.Stats.ItemsTotal != 3 || fin.Stats.ItemsMaterialized != 2 || fin.Stats.ItemsUnresolved != 1 {
		t.Fatalf("stats = %+v", fin.Stats)
	}
}
