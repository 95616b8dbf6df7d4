// Package routing parses, validates, and normalizes conversation routes and
// derives the canonical session key for each route.
//
// A route is the sole identity key for per-conversation state throughout the
// gateway: dispatch, aggregation, delivery, and persisted metadata are all
// keyed by route string, never by raw channel IDs.
package routing

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind distinguishes the three route shapes.
type Kind string

const (
	KindUser  Kind = "user"
	KindGroup Kind = "group"
	KindGuild Kind = "guild"
)

var (
	digitsRe = regexp.MustCompile(`^[0-9]{5,12}$`)
	idRe     = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Target is the parsed, typed form of a route string.
type Target struct {
	Kind      Kind
	ID        string // user/group numeric id, or guild id for guild routes
	ChannelID string // guild routes only
}

// Route renders the canonical route string for t.
func (t Target) Route() string {
	switch t.Kind {
	case KindUser:
		return "user:" + t.ID
	case KindGroup:
		return "group:" + t.ID
	case KindGuild:
		return fmt.Sprintf("guild:%s:%s", t.ID, t.ChannelID)
	default:
		return ""
	}
}

// IsValidQQRoute is the sole gate for every route-typed boundary in the
// gateway. It does not normalize — callers must pass an
// already-canonical route string.
func IsValidQQRoute(route string) bool {
	_, ok := ParseTarget(route)
	return ok
}

// ParseTarget returns the typed variant of a canonical route string.
// It is the inverse of Target.Route for every route ParseTarget accepts.
func ParseTarget(route string) (Target, bool) {
	parts := strings.SplitN(route, ":", 3)
	switch {
	case len(parts) == 2 && parts[0] == string(KindUser):
		if !digitsRe.MatchString(parts[1]) {
			return Target{}, false
		}
		return Target{Kind: KindUser, ID: parts[1]}, true
	case len(parts) == 2 && parts[0] == string(KindGroup):
		if !digitsRe.MatchString(parts[1]) {
			return Target{}, false
		}
		return Target{Kind: KindGroup, ID: parts[1]}, true
	case len(parts) == 3 && parts[0] == string(KindGuild):
		if !idRe.MatchString(parts[1]) || !idRe.MatchString(parts[2]) {
			return Target{}, false
		}
		return Target{Kind: KindGuild, ID: parts[1], ChannelID: parts[2]}, true
	default:
		return Target{}, false
	}
}

var (
	legacyChannelPrivateRe = regexp.MustCompile(`^channel:private:([0-9]{5,12})$`)
	legacySessionQQUserRe  = regexp.MustCompile(`^session:qq:user:([0-9]{5,12})$`)
	legacySessionQQGroupRe = regexp.MustCompile(`^session:qq:group:([0-9]{5,12})$`)
	bareDigitsRe           = regexp.MustCompile(`^[0-9]{5,12}$`)
)

// NormalizeTarget accepts legacy route forms and bare digits (assumed to be
// a private/user route — the only legacy shape that omits a kind prefix)
// and collapses them to the canonical route string. Already-canonical
// routes pass through unchanged, so NormalizeTarget is idempotent:
// NormalizeTarget(NormalizeTarget(x)) == NormalizeTarget(x).
func NormalizeTarget(raw string) string {
	raw = strings.TrimSpace(raw)
	if IsValidQQRoute(raw) {
		return raw
	}
	if m := legacyChannelPrivateRe.FindStringSubmatch(raw); m != nil {
		return "user:" + m[1]
	}
	if m := legacySessionQQUserRe.FindStringSubmatch(raw); m != nil {
		return "user:" + m[1]
	}
	if m := legacySessionQQGroupRe.FindStringSubmatch(raw); m != nil {
		return "group:" + m[1]
	}
	if bareDigitsRe.MatchString(raw) {
		return "user:" + raw
	}
	return raw
}

// ResidentAgentID maps a route to the resident agent identity bound to it.
// The configured owner's private route always resolves to "main"; every
// other route gets a deterministic per-route agent id.
func ResidentAgentID(route string, ownerUserID string) string {
	t, ok := ParseTarget(route)
	if !ok {
		return ""
	}
	if t.Kind == KindUser && ownerUserID != "" && t.ID == ownerUserID {
		return "main"
	}
	switch t.Kind {
	case KindUser:
		return "qq-user-" + t.ID
	case KindGroup:
		return "qq-group-" + t.ID
	case KindGuild:
		return fmt.Sprintf("qq-guild-%s-%s", t.ID, t.ChannelID)
	default:
		return ""
	}
}

// SessionKey derives the canonical session key for a resident agent id,
// agent:<resident-agent-id>:main.
func SessionKey(residentAgentID string) string {
	return fmt.Sprintf("agent:%s:main", residentAgentID)
}

// RouteDir renders the on-disk directory name for a route: ':' becomes
// '__', any other non-identifier character becomes '_'. The legacy direct
// form (no escaping at all) remains read-compatible at the store layer.
func RouteDir(route string) string {
	var b strings.Builder
	b.Grow(len(route))
	for _, r := range route {
		switch {
		case r == ':':
			b.WriteString("__")
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '.' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
