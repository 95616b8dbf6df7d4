// Package policy implements the route capability and quota checks,
// consulted by the dispatch engine before a dispatch starts and by the
// delivery pipeline before each outbound unit.
package policy

import (
	"fmt"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

// Stage names the point at which a check runs.
type Stage string

const (
	StageBeforeDispatch Stage = "beforeDispatch"
	StageBeforeOutbound Stage = "beforeOutbound"
)

// Action names the outbound unit kind a beforeOutbound check gates.
type Action string

const (
	ActionSendText  Action = "sendText"
	ActionSendMedia Action = "sendMedia"
	ActionSendVoice Action = "sendVoice"
)

// Error is a policy rejection carrying its closed-set code.
type Error struct {
	Code  store.ErrCode
	Route string
	Why   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("policy: %s on %s: %s", e.Code, e.Route, e.Why)
}

// Checker reads route capabilities and usage counters from the route store.
type Checker struct {
	store *store.RouteStore
}

// NewChecker returns a Checker over s.
func NewChecker(s *store.RouteStore) *Checker {
	return &Checker{store: s}
}

// Check runs the capability gate for stage. The owner's private route
// bypasses every check. beforeDispatch requires sendText; beforeOutbound
// with an action enforces the matching capability flag and its quota.
func (c *Checker) Check(stage Stage, route string, action Action) error {
	if c.store.IsOwnerRoute(route) {
		return nil
	}
	meta, err := c.store.GetOrCreateMeta(route, "", false)
	if err != nil {
		return err
	}

	switch stage {
	case StageBeforeDispatch:
		if !meta.Capabilities.SendText {
			return &Error{Code: store.ErrPolicyBlocked, Route: route, Why: "sendText capability disabled"}
		}
		return nil
	case StageBeforeOutbound:
		allowed, limit := capabilityFor(meta, action)
		if !allowed {
			return &Error{Code: store.ErrPolicyBlocked, Route: route, Why: fmt.Sprintf("%s capability disabled", action)}
		}
		if limit == nil {
			return nil
		}
		usage, err := c.store.Usage(route)
		if err != nil {
			return err
		}
		if usageFor(usage, action) >= *limit {
			return &Error{Code: store.ErrQuotaExceeded, Route: route, Why: fmt.Sprintf("%s quota %d reached", action, *limit)}
		}
		return nil
	default:
		return nil
	}
}

func capabilityFor(m *store.RouteMeta, action Action) (allowed bool, limit *int64) {
	switch action {
	case ActionSendText:
		return m.Capabilities.SendText, m.Capabilities.MaxSendText
	case ActionSendMedia:
		return m.Capabilities.SendMedia, m.Capabilities.MaxSendMedia
	case ActionSendVoice:
		return m.Capabilities.SendVoice, m.Capabilities.MaxSendVoice
	default:
		return false, nil
	}
}

func usageFor(u *store.RouteUsage, action Action) int64 {
	switch action {
	case ActionSendText:
		return u.SendTextCount
	case ActionSendMedia:
		return u.SendMediaCount
	case ActionSendVoice:
		return u.SendVoiceCount
	default:
		return 0
	}
}

// CodeOf extracts the policy error code from err, or unknown_error.
func CodeOf(err error) store.ErrCode {
	if pe, ok := err.(*Error); ok {
		return pe.Code
	}
	return store.ErrUnknown
}
