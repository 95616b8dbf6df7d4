package normalize

import (
	"strings"
	"testing"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

func TestMediaMarkersExtracted(t *testing.T) {
	p := ReplyPayload{Text: "here you go\nMEDIA: /tmp/pic.png\ntail"}
	n, drops := Normalize(p, Options{})
	if len(drops) != 0 {
		t.Fatalf("unexpected drops: %v", drops)
	}
	if len(n.Media) != 1 || n.Media[0].Source != "/tmp/pic.png" || n.Media[0].Kind != "image" {
		t.Fatalf("media = %+v", n.Media)
	}
	if len(n.Chunks) != 1 || strings.Contains(n.Chunks[0], "MEDIA:") {
		t.Fatalf("chunks = %q", n.Chunks)
	}
}

func TestAntiRiskIsFixedPoint(t *testing.T) {
	opts := Options{AntiRisk: true}
	p := ReplyPayload{Text: "**bold** see https://example.com/x `code` # head"}
	n1, _ := Normalize(p, opts)
	if len(n1.Chunks) != 1 {
		t.Fatalf("chunks = %v", n1.Chunks)
	}
	// Sanitize-then-sanitize must be a fixed point.
	n2, _ := Normalize(ReplyPayload{Text: n1.Chunks[0]}, opts)
	if len(n2.Chunks) != 1 || n2.Chunks[0] != n1.Chunks[0] {
		t.Fatalf("not a fixed point: %q vs %q", n1.Chunks[0], n2.Chunks[0])
	}
	if strings.Contains(n1.Chunks[0], "**") || strings.Contains(n1.Chunks[0], "`") {
		t.Fatalf("markdown survived: %q", n1.Chunks[0])
	}
	if !strings.Contains(n1.Chunks[0], "https:// example.com") {
		t.Fatalf("scheme not defanged: %q", n1.Chunks[0])
	}
}

func TestHostRedaction(t *testing.T) {
	n, _ := Normalize(ReplyPayload{Text: "served at host.docker.internal and 127.0.0.1 ok"}, Options{})
	if len(n.Chunks) != 1 {
		t.Fatalf("chunks = %v", n.Chunks)
	}
	if strings.Contains(n.Chunks[0], "host.docker.internal") || strings.Contains(n.Chunks[0], "127.0.0.1") {
		t.Fatalf("host markers leaked: %q", n.Chunks[0])
	}
}

func TestChunkSplitting(t *testing.T) {
	long := strings.Repeat("字", 4500)
	n, _ := Normalize(ReplyPayload{Text: long}, Options{MaxMessageLength: 4000})
	if len(n.Chunks) != 2 {
		t.Fatalf("chunk count = %d", len(n.Chunks))
	}
	if len([]rune(n.Chunks[0])) != 4000 || len([]rune(n.Chunks[1])) != 500 {
		t.Fatalf("chunk lengths = %d/%d", len([]rune(n.Chunks[0])), len([]rune(n.Chunks[1])))
	}
}

func TestSplitSendPerLine(t *testing.T) {
	text := "one\ntwo\nthree"
	n, _ := Normalize(ReplyPayload{Text: text, SplitSend: true}, Options{})
	if len(n.Chunks) != 3 {
		t.Fatalf("chunks = %v", n.Chunks)
	}

	// A single line is below the 2-line floor: no per-line split.
	n2, _ := Normalize(ReplyPayload{Text: "only", SplitSend: true}, Options{})
	if len(n2.Chunks) != 1 {
		t.Fatalf("chunks = %v", n2.Chunks)
	}
}

func TestLeakGuards(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		strict bool
		code   store.ErrCode
	}{
		{"skip token", "QQ_AUTO_SKIP", false, store.ErrAutomationMetaLeakGuard},
		{"meta speech", "Subagent failed with exit 1", false, store.ErrAutomationMetaLeakGuard},
		{"abort strict", "request was aborted", true, store.ErrAbortTextSuppressed},
		{"abort loose embedded", "oh no, the operation was aborted midway", false, store.ErrAbortTextSuppressed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, drops := Normalize(ReplyPayload{Text: tt.text}, Options{StrictAbortGuard: tt.strict})
			if len(n.Chunks) != 0 {
				t.Fatalf("chunk leaked: %v", n.Chunks)
			}
			if len(drops) != 1 || drops[0] != tt.code {
				t.Fatalf("drops = %v, want %s", drops, tt.code)
			}
		})
	}

	// Strict mode lets an embedded mention through.
	n, drops := Normalize(ReplyPayload{Text: "the operation was aborted, sorry"}, Options{StrictAbortGuard: true})
	if len(n.Chunks) != 1 || len(drops) != 0 {
		t.Fatalf("strict guard over-matched: chunks=%v drops=%v", n.Chunks, drops)
	}
}

func TestMediaKindClassification(t *testing.T) {
	p := ReplyPayload{MediaURLs: []string{"/a/x.png", "/a/y.mp3", "/a/z.mp4", "/a/w.pdf"}}
	n, _ := Normalize(p, Options{})
	kinds := []string{}
	for _, m := range n.Media {
		kinds = append(kinds, m.Kind)
	}
	want := []string{"image", "record", "video", "file"}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}
