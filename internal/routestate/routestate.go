// Package routestate implements the per-route runtime context: in-flight
// dispatch tracking, pending-latest queueing, and the timeout tracking that
// powers the dispatch engine's adaptive interrupt policy.
package routestate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InFlight describes the single dispatch currently running for a route.
type InFlight struct {
	Route      string
	DispatchID string
	MsgID      string
	StartedAt  time.Time
	Cancel     context.CancelFunc
}

// PendingLatest describes the newest inbound that arrived while a dispatch
// was already running on its route. At most one per route.
type PendingLatest struct {
	Route               string
	MsgID               string
	InboundSeq          int64
	HasInboundMediaLike bool
	UpdatedAt           time.Time
}

// Context is the process-wide, mutex-guarded route runtime state: three
// maps keyed by route (in-flight, pending-latest, last-timeout-at),
// grouped behind one state object with explicit init and teardown.
type Context struct {
	mu          sync.Mutex
	inFlight    map[string]*InFlight
	pending     map[string]*PendingLatest
	lastTimeout map[string]time.Time
	counters    map[string]int64 // per-route monotonic dispatch-id counter
}

// New returns an empty Context.
func New() *Context {
	return &Context{
		inFlight:    make(map[string]*InFlight),
		pending:     make(map[string]*PendingLatest),
		lastTimeout: make(map[string]time.Time),
		counters:    make(map[string]int64),
	}
}

// BeginRouteInFlight allocates a new monotonic dispatch-id for route,
// installs it as the route's in-flight record, and returns the previous
// in-flight record (nil if none) so the caller may abort it.
//
// Dispatch-id format: "<route>:<n>:<ts>" — monotonic per route, unique
// across its lifetime.
func (c *Context) BeginRouteInFlight(route, msgID string, cancel context.CancelFunc) (id string, previous *InFlight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters[route]++
	n := c.counters[route]
	id = fmt.Sprintf("%s:%d:%d", route, n, time.Now().UnixNano())

	previous = c.inFlight[route]
	c.inFlight[route] = &InFlight{
		Route:      route,
		DispatchID: id,
		MsgID:      msgID,
		StartedAt:  time.Now(),
		Cancel:     cancel,
	}
	return id, previous
}

// ClearRouteInFlight removes the route's in-flight record iff its current
// dispatch-id equals dispatchID (the "clear-by-owner" invariant): a late
// preempted flow can never clear the new flow's state.
func (c *Context) ClearRouteInFlight(route, dispatchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.inFlight[route]
	if !ok || cur.DispatchID != dispatchID {
		return false
	}
	delete(c.inFlight, route)
	return true
}

// CurrentInFlight returns the route's current in-flight record, if any.
func (c *Context) CurrentInFlight(route string) (*InFlight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.inFlight[route]
	return cur, ok
}

// IsCurrentDispatch reports whether dispatchID is still the route's
// in-flight dispatch-id — the engine's supersession check.
func (c *Context) IsCurrentDispatch(route, dispatchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.inFlight[route]
	return ok && cur.DispatchID == dispatchID
}

// SetPendingLatest installs p as the route's pending-latest entry,
// superseding any previous entry regardless of its seq (callers are
// responsible for comparing InboundSeq before calling, since only the
// newest arrival may legally replace the existing one).
func (c *Context) SetPendingLatest(p *PendingLatest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.UpdatedAt = time.Now()
	c.pending[p.Route] = p
}

// PendingLatest returns the route's pending-latest entry, if any.
func (c *Context) PendingLatest(route string) (*PendingLatest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[route]
	return p, ok
}

// TakePendingLatestIfSeqLE removes and returns the route's pending-latest
// entry only if its InboundSeq is <= seq (the engine's drain step). If the
// pending entry is newer than seq, it is left in place.
func (c *Context) TakePendingLatestIfSeqLE(route string, seq int64) (*PendingLatest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[route]
	if !ok || p.InboundSeq > seq {
		return nil, false
	}
	delete(c.pending, route)
	return p, true
}

// ClearPendingLatest unconditionally drops the route's pending-latest entry.
func (c *Context) ClearPendingLatest(route string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, route)
}

// RecordTimeout marks route as having just timed out, for the adaptive
// interrupt degrade window.
func (c *Context) RecordTimeout(route string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTimeout[route] = time.Now()
}

// RecentlyTimedOut reports whether route timed out within window of now.
func (c *Context) RecentlyTimedOut(route string, window time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastTimeout[route]
	if !ok {
		return false
	}
	return now.Sub(t) < window
}

// FileTaskLock is the timed marker set on routes receiving heavy-file
// inbound; while held it blocks the preempt half of the adaptive policy.
type FileTaskLock struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewFileTaskLock returns an empty lock tracker.
func NewFileTaskLock() *FileTaskLock {
	return &FileTaskLock{expires: make(map[string]time.Time)}
}

// Acquire sets route's lock to expire after ttl from now.
func (f *FileTaskLock) Acquire(route string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[route] = time.Now().Add(ttl)
}

// Held reports whether route's lock is currently held.
func (f *FileTaskLock) Held(route string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.expires[route]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(f.expires, route)
		return false
	}
	return true
}

// Release drops route's lock immediately.
func (f *FileTaskLock) Release(route string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.expires, route)
}
