// Package media implements inbound media resolution and
// materialization: discovering candidate sources for each
// media-bearing segment via protocol actions, then fetching, deduplicating,
// and persisting the bytes under the route's in/files directory.
package media

import "strings"

// CandidateKind tags a resolved source location: action responses return
// heterogeneous duck-typed shapes, so each is folded into a tagged record.
type CandidateKind string

const (
	KindHTTP    CandidateKind = "http"
	KindFile    CandidateKind = "file"
	KindBase64  CandidateKind = "base64"
	KindData    CandidateKind = "data"
	KindStream  CandidateKind = "stream"
	KindUnknown CandidateKind = "unknown"
)

// ResolvedCandidate is one possible source for a media ref.
type ResolvedCandidate struct {
	Kind     CandidateKind
	URL      string // normalized source: http(s)://, file://, base64://, data:, stream://
	NameHint string // from name|file segment fields, if any
}

// ClassifyURL tags a raw source string with its candidate kind and
// normalizes bare absolute paths to file:// form.
func ClassifyURL(raw string) ResolvedCandidate {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return ResolvedCandidate{Kind: KindUnknown}
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return ResolvedCandidate{Kind: KindHTTP, URL: s}
	case strings.HasPrefix(s, "file://"):
		return ResolvedCandidate{Kind: KindFile, URL: s}
	case strings.HasPrefix(s, "base64://"):
		return ResolvedCandidate{Kind: KindBase64, URL: s}
	case strings.HasPrefix(s, "data:"):
		return ResolvedCandidate{Kind: KindData, URL: s}
	case strings.HasPrefix(s, "stream://"):
		return ResolvedCandidate{Kind: KindStream, URL: s}
	case strings.HasPrefix(s, "/"):
		return ResolvedCandidate{Kind: KindFile, URL: "file://" + s}
	default:
		return ResolvedCandidate{Kind: KindUnknown, URL: s}
	}
}

// MediaKind is the inbound segment kind a ref came from.
type MediaKind string

const (
	MediaImage  MediaKind = "image"
	MediaVideo  MediaKind = "video"
	MediaRecord MediaKind = "record"
	MediaFile   MediaKind = "file"
)

// InboundMediaRef is one media-bearing segment (or inline CQ code) to be
// resolved and materialized.
type InboundMediaRef struct {
	Kind       MediaKind
	FileID     string // the protocol-level file token, for action probes
	SegIndex   int    // position within the original segment list
	NameHint   string
	Candidates []ResolvedCandidate
}

// AddCandidate appends c if it carries a usable URL not already present.
func (r *InboundMediaRef) AddCandidate(c ResolvedCandidate) {
	if c.Kind == KindUnknown || c.URL == "" {
		return
	}
	for _, have := range r.Candidates {
		if have.URL == c.URL {
			return
		}
	}
	if c.NameHint == "" {
		c.NameHint = r.NameHint
	}
	r.Candidates = append(r.Candidates, c)
}

// OnlyLocalFile reports whether every candidate is file:// — the "likely
// unreadable from this process" condition that triggers the get_msg
// fallback.
func (r *InboundMediaRef) OnlyLocalFile() bool {
	if len(r.Candidates) == 0 {
		return false
	}
	for _, c := range r.Candidates {
		if c.Kind != KindFile {
			return false
		}
	}
	return true
}
