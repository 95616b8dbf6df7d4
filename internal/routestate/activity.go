package routestate

import (
	"sync"
	"time"
)

// Activity memoizes per-route inbound/outbound timestamps. The automation
// scheduler's smart throttle and the proactive nudge both read it; the
// gateway's inbound and delivery paths write it.
type Activity struct {
	mu       sync.Mutex
	inbound  map[string]time.Time
	outbound map[string]time.Time
}

// NewActivity returns an empty tracker.
func NewActivity() *Activity {
	return &Activity{
		inbound:  make(map[string]time.Time),
		outbound: make(map[string]time.Time),
	}
}

// RecordInbound notes an inbound message on route at t.
func (a *Activity) RecordInbound(route string, t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.After(a.inbound[route]) {
		a.inbound[route] = t
	}
}

// RecordOutbound notes an outbound delivery on route at t.
func (a *Activity) RecordOutbound(route string, t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.After(a.outbound[route]) {
		a.outbound[route] = t
	}
}

// LastInbound returns the route's newest inbound time; ok is false if the
// route has never had an inbound.
func (a *Activity) LastInbound(route string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.inbound[route]
	return t, ok
}

// LastActivity returns the newest of the route's inbound and outbound
// times; ok is false if neither exists.
func (a *Activity) LastActivity(route string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, inOK := a.inbound[route]
	out, outOK := a.outbound[route]
	switch {
	case inOK && outOK:
		if out.After(in) {
			return out, true
		}
		return in, true
	case inOK:
		return in, true
	case outOK:
		return out, true
	default:
		return time.Time{}, false
	}
}
