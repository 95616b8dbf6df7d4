// Package aggregate implements a short-window inbound coalescer:
// same-route fragments arriving within the window collapse
// into one logical message, finalized exactly once by the originating
// caller via a sequence match.
package aggregate

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MediaStats summarizes the media outcome of one logical inbound.
type MediaStats struct {
	ItemsTotal        int
	ItemsMaterialized int
	ItemsUnresolved   int
}

func (s *MediaStats) add(o MediaStats) {
	s.ItemsTotal += o.ItemsTotal
	s.ItemsMaterialized += o.ItemsMaterialized
	s.ItemsUnresolved += o.ItemsUnresolved
}

// Fragment is one raw inbound piece pushed into the window.
type Fragment struct {
	MsgID     string
	Text      string
	MediaURLs []string
	Stats     MediaStats
}

// Finalized is one coalesced logical inbound message.
type Finalized struct {
	Route     string
	MsgID     string // newest fragment's message id
	Seq       int64  // route-scoped monotonic sequence of the finalizing push
	Text      string
	MediaURLs []string
	Stats     MediaStats
}

// routeAgg is one route's aggregation state. seq is monotonic for the life
// of the Aggregator — it never resets when a window finalizes, since the
// dispatch engine compares sequences across windows.
type routeAgg struct {
	seq       int64
	msgID     string
	texts     []string
	mediaURLs []string
	stats     MediaStats
}

func (r *routeAgg) resetBuffer() {
	r.msgID = ""
	r.texts = nil
	r.mediaURLs = nil
	r.stats = MediaStats{}
}

// Aggregator holds per-route aggregation state. A single Aggregator serves
// all routes of one account.
type Aggregator struct {
	mu     sync.Mutex
	routes map[string]*routeAgg
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{routes: make(map[string]*routeAgg)}
}

// Push adds one fragment for route, sleeps the window, and finalizes only if
// no newer fragment arrived meanwhile (seq match). Superseded invocations
// return nil — the newer push owns the finalization. The returned Seq is the
// route-scoped sequence of the winning push.
func (a *Aggregator) Push(ctx context.Context, route string, frag Fragment, window time.Duration) *Finalized {
	a.mu.Lock()
	agg, ok := a.routes[route]
	if !ok {
		agg = &routeAgg{}
		a.routes[route] = agg
	}
	agg.seq++
	mySeq := agg.seq
	agg.msgID = frag.MsgID
	if t := strings.TrimSpace(frag.Text); t != "" {
		agg.texts = append(agg.texts, t)
	}
	for _, u := range frag.MediaURLs {
		if u != "" && !contains(agg.mediaURLs, u) {
			agg.mediaURLs = append(agg.mediaURLs, u)
		}
	}
	agg.stats.add(frag.Stats)
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(window):
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.routes[route]
	if !ok || cur.seq != mySeq {
		// A newer push owns this window now; this invocation is a
		// superseded duplicate.
		return nil
	}
	out := &Finalized{
		Route:     route,
		MsgID:     cur.msgID,
		Seq:       mySeq,
		Text:      strings.Join(cur.texts, "\n"),
		MediaURLs: cur.mediaURLs,
		Stats:     cur.stats,
	}
	cur.resetBuffer()
	return out
}

// LatestSeq returns the route's current aggregation sequence without
// mutating state. Zero means no fragment has ever been pushed. The dispatch
// engine uses this to detect a newer inbound arriving during its coalesce
// sleep.
func (a *Aggregator) LatestSeq(route string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if agg, ok := a.routes[route]; ok {
		return agg.seq
	}
	return 0
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
