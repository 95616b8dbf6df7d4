// Package normalize implements the outbound normalizer: text splitting,
// inline media-marker extraction, anti-risk rewriting, internal-host
// redaction, and the outbound leak guards.
package normalize

import (
	"path"
	"regexp"
	"strings"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/media"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

// ReplyPayload is the agent runtime's raw reply shape.
type ReplyPayload struct {
	Text      string
	MediaURL  string
	MediaURLs []string
	Files     []string
	SplitSend bool // caller requests one chunk per line
}

// MediaItem is one classified outbound media source.
type MediaItem struct {
	Source string
	Kind   string // image|record|video|file
}

// Normalized is the delivery-ready form of a reply.
type Normalized struct {
	Chunks []string
	Media  []MediaItem
}

// Options controls the normalization pass.
type Options struct {
	MaxMessageLength int
	AntiRisk         bool
	StrictAbortGuard bool
}

var mediaMarkerRe = regexp.MustCompile(`(?m)^\s*MEDIA:\s*(.+)\s*$`)

// Normalize turns a reply payload into sendable chunks and classified media
// items. Chunks failing a leak guard are dropped before they reach the
// delivery queue; the caller records the returned drop codes.
func Normalize(p ReplyPayload, opts Options) (Normalized, []store.ErrCode) {
	var out Normalized
	var drops []store.ErrCode

	text := p.Text

	// Inline MEDIA: markers become media items and vanish from the text.
	for _, m := range mediaMarkerRe.FindAllStringSubmatch(text, -1) {
		out.Media = append(out.Media, classifyMedia(strings.TrimSpace(m[1])))
	}
	text = mediaMarkerRe.ReplaceAllString(text, "")

	if opts.AntiRisk {
		text = stripMarkdown(text)
		text = spaceAfterScheme(text)
	}
	text = diag.Redact(text)
	text = strings.TrimSpace(text)

	for _, chunk := range splitText(text, opts.MaxMessageLength, p.SplitSend) {
		if code, blocked := GuardChunk(chunk, opts.StrictAbortGuard); blocked {
			drops = append(drops, code)
			continue
		}
		out.Chunks = append(out.Chunks, chunk)
	}

	for _, src := range p.MediaURLs {
		if src != "" {
			out.Media = append(out.Media, classifyMedia(src))
		}
	}
	if p.MediaURL != "" {
		out.Media = append(out.Media, classifyMedia(p.MediaURL))
	}
	for _, f := range p.Files {
		if f != "" {
			out.Media = append(out.Media, classifyMedia(f))
		}
	}
	return out, drops
}

func classifyMedia(src string) MediaItem {
	return MediaItem{Source: src, Kind: media.KindForExt(path.Ext(strings.SplitN(src, "?", 2)[0]))}
}

var (
	mdBoldRe    = regexp.MustCompile(`\*\*([^*]*)\*\*`)
	mdItalicRe  = regexp.MustCompile(`\*([^*]*)\*`)
	mdBacktick  = regexp.MustCompile("`+")
	mdHeadingRe = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	schemeRe    = regexp.MustCompile(`(https?://)([^ ])`)
)

func stripMarkdown(s string) string {
	s = mdBoldRe.ReplaceAllString(s, "$1")
	s = mdItalicRe.ReplaceAllString(s, "$1")
	s = mdBacktick.ReplaceAllString(s, "")
	s = mdHeadingRe.ReplaceAllString(s, "")
	return s
}

// spaceAfterScheme defangs links so the consumer network's risk filter does
// not swallow the whole message. Idempotent: an already-spaced scheme is
// left alone.
func spaceAfterScheme(s string) string {
	return schemeRe.ReplaceAllString(s, "$1 $2")
}

// splitText chunks text at maxLen. When splitSend is requested and the text
// has 2–12 distinct non-empty lines, one chunk per line is emitted instead.
func splitText(text string, maxLen int, splitSend bool) []string {
	if text == "" {
		return nil
	}
	if maxLen <= 0 {
		maxLen = 4000
	}

	if splitSend {
		lines := distinctLines(text)
		if len(lines) >= 2 && len(lines) <= 12 {
			return lines
		}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := maxLen
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

func distinctLines(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// Leak-guard patterns: automation skip tokens, internal
// control-message speech, and abort leakage.
var (
	skipTokenRe = regexp.MustCompile(`\b(QQ_AUTO_SKIP|ANNOUNCE_SKIP|NO_REPLY|AUTO_SKIP)\b`)
	metaSpeakRe = regexp.MustCompile(`(?i)(Subagent failed|Process still running|cron job (fired|completed|failed)|scheduled task notice|\[scheduler\])`)

	abortStrictRe = regexp.MustCompile(`^(request|operation) was aborted$`)
	abortLooseRe  = regexp.MustCompile(`(?i)\b(request|operation) was aborted\b`)
)

// GuardChunk applies the outbound leak guards to one text chunk. blocked
// reports whether the chunk must be dropped, and code says why.
func GuardChunk(chunk string, strictAbort bool) (code store.ErrCode, blocked bool) {
	trimmed := strings.TrimSpace(chunk)
	if skipTokenRe.MatchString(trimmed) || metaSpeakRe.MatchString(trimmed) {
		return store.ErrAutomationMetaLeakGuard, true
	}
	if strictAbort {
		if abortStrictRe.MatchString(trimmed) {
			return store.ErrAbortTextSuppressed, true
		}
	} else if abortLooseRe.MatchString(trimmed) {
		return store.ErrAbortTextSuppressed, true
	}
	return "", false
}
