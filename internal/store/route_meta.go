package store

import (
	"fmt"
	"sync"
	"time"
)

// RouteStore is the process-wide, mutex-guarded accessor for route metadata,
// usage counters, and conversation state. It is the single owner of the
// per-route JSON files under the workspace's qq_sessions tree.
type RouteStore struct {
	layout *Layout
	owner  string // owner's raw user id, for OwnerRouteMeta gating

	mu    sync.Mutex
	meta  map[string]*RouteMeta
	usage map[string]*RouteUsage
	conv  map[string]*ConversationState
}

// NewRouteStore returns a RouteStore rooted at layout, treating ownerUserID
// (if non-empty) as the gateway owner's numeric id for capability gating.
func NewRouteStore(layout *Layout, ownerUserID string) *RouteStore {
	return &RouteStore{
		layout: layout,
		owner:  ownerUserID,
		meta:   make(map[string]*RouteMeta),
		usage:  make(map[string]*RouteUsage),
		conv:   make(map[string]*ConversationState),
	}
}

// GetOrCreateMeta returns the route's metadata, creating and persisting a
// fresh record on first inbound for that route.
func (s *RouteStore) GetOrCreateMeta(route, agentID string, isOwner bool) (*RouteMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.meta[route]; ok {
		return m, nil
	}

	m := new(RouteMeta)
	path := s.layout.AgentMetaPath(route)
	found, err := ReadJSON(path, m)
	if err != nil {
		return nil, fmt.Errorf("store: load route meta for %s: %w", route, err)
	}
	if !found {
		now := time.Now()
		if isOwner {
			m = OwnerRouteMeta(route, now)
		} else {
			m = DefaultRouteMeta(agentID, route, now)
		}
		if err := s.layout.EnsureRouteDirs(route); err != nil {
			return nil, err
		}
		if err := WriteJSONAtomic(path, m); err != nil {
			return nil, fmt.Errorf("store: persist new route meta for %s: %w", route, err)
		}
	}
	s.meta[route] = m
	return m, nil
}

// SaveMeta persists mutations made to a *RouteMeta previously obtained from
// GetOrCreateMeta. Callers must hold no external lock; SaveMeta bumps
// UpdatedAt itself.
func (s *RouteStore) SaveMeta(route string, mutate func(*RouteMeta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meta[route]
	if !ok {
		return fmt.Errorf("store: SaveMeta on unknown route %s", route)
	}
	mutate(m)
	m.UpdatedAt = time.Now()
	return WriteJSONAtomic(s.layout.AgentMetaPath(route), m)
}

// Usage returns the route's usage counters, creating a zero record if none
// exists yet.
func (s *RouteStore) Usage(route string) (*RouteUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageLocked(route)
}

func (s *RouteStore) usageLocked(route string) (*RouteUsage, error) {
	if u, ok := s.usage[route]; ok {
		return u, nil
	}
	u := new(RouteUsage)
	found, err := ReadJSON(s.layout.UsagePath(route), u)
	if err != nil {
		return nil, fmt.Errorf("store: load usage for %s: %w", route, err)
	}
	if !found {
		u = &RouteUsage{UpdatedAt: time.Now()}
	}
	s.usage[route] = u
	return u, nil
}

// UsageField names the counter BumpUsage increments.
type UsageField string

const (
	UsageDispatch  UsageField = "dispatch"
	UsageSendText  UsageField = "sendText"
	UsageSendMedia UsageField = "sendMedia"
	UsageSendVoice UsageField = "sendVoice"
)

// BumpUsage atomically increments one counter and persists it. This is the
// only write path for usage counters, and it is called exactly once per
// successful outbound unit, so counters only ever grow.
func (s *RouteStore) BumpUsage(route string, field UsageField) (*RouteUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.usageLocked(route)
	if err != nil {
		return nil, err
	}
	switch field {
	case UsageDispatch:
		u.DispatchCount++
	case UsageSendText:
		u.SendTextCount++
	case UsageSendMedia:
		u.SendMediaCount++
	case UsageSendVoice:
		u.SendVoiceCount++
	}
	u.UpdatedAt = time.Now()
	if err := WriteJSONAtomic(s.layout.UsagePath(route), u); err != nil {
		return nil, fmt.Errorf("store: persist usage for %s: %w", route, err)
	}
	return u, nil
}

// ConvState returns the route's conversation state, creating a neutral
// default if none exists yet.
func (s *RouteStore) ConvState(route string) (*ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conv[route]; ok {
		return c, nil
	}
	c := new(ConversationState)
	found, err := ReadJSON(s.layout.ConvStatePath(route), c)
	if err != nil {
		return nil, fmt.Errorf("store: load conv state for %s: %w", route, err)
	}
	if !found {
		c = DefaultConversationState(time.Now())
	}
	s.conv[route] = c
	return c, nil
}

// SaveConvState persists mutations to the route's conversation state.
func (s *RouteStore) SaveConvState(route string, mutate func(*ConversationState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conv[route]
	if !ok {
		return fmt.Errorf("store: SaveConvState on unloaded route %s", route)
	}
	mutate(c)
	c.LastUpdatedAt = time.Now()
	return WriteJSONAtomic(s.layout.ConvStatePath(route), c)
}

// IsOwnerRoute reports whether route is the configured owner's private
// route. The owner's route bypasses policy and quota checks.
func (s *RouteStore) IsOwnerRoute(route string) bool {
	if s.owner == "" {
		return false
	}
	return route == "user:"+s.owner
}
