package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

func newTestMaterializer(t *testing.T, acct *config.Account) (*Materializer, *store.Layout) {
	t.Helper()
	layout := store.NewLayout(t.TempDir())
	logger := diag.New(layout, nil)
	return NewMaterializer(layout, acct, logger, nil), layout
}

func acctWithRetries(n int) *config.Account {
	a := config.DefaultAccount()
	a.InboundMediaHTTPRetries = &n
	return &a
}

func TestMaterializeFileNotFound(t *testing.T) {
	m, _ := newTestMaterializer(t, acctWithRetries(0))
	ref := &InboundMediaRef{Kind: MediaFile}
	ref.AddCandidate(ResolvedCandidate{Kind: KindFile, URL: "file:///definitely/not/here.bin"})

	res := m.MaterializeAll(context.Background(), "user:11111", "1", []*InboundMediaRef{ref})
	if res[0].Materialized {
		t.Fatal("expected failure")
	}
	if res[0].ErrorCode != string(store.ErrFileNotFound) {
		t.Fatalf("error code = %s, want file_not_found", res[0].ErrorCode)
	}
}

func TestMaterializeBase64AndDedup(t *testing.T) {
	m, layout := newTestMaterializer(t, acctWithRetries(0))
	// "hello" twice: second ref must be skipped as a duplicate payload.
	b64 := "base64://aGVsbG8="
	ref1 := &InboundMediaRef{Kind: MediaFile, NameHint: "a.txt"}
	ref1.AddCandidate(ResolvedCandidate{Kind: KindBase64, URL: b64})
	ref2 := &InboundMediaRef{Kind: MediaFile, NameHint: "b.txt"}
	ref2.AddCandidate(ResolvedCandidate{Kind: KindBase64, URL: b64})

	res := m.MaterializeAll(context.Background(), "user:11111", "1", []*InboundMediaRef{ref1, ref2})
	if !res[0].Materialized {
		t.Fatalf("first ref should materialize, got %+v", res[0])
	}
	if res[1].Materialized || res[1].ErrorCode != string(store.ErrDuplicatePayload) {
		t.Fatalf("second ref should dedup, got %+v", res[1])
	}

	entries, err := os.ReadDir(layout.InFilesDir("user:11111"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one persisted file, got %d (%v)", len(entries), err)
	}
	if res[0].NameSource != store.NameSourceHint || res[0].ExtSource != store.ExtSourceOriginal {
		t.Fatalf("name/ext source = %s/%s", res[0].NameSource, res[0].ExtSource)
	}
}

func TestMaterializeHTTPRetryCount(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Exactly zero retries configured: one attempt, retryCount 0.
	m, _ := newTestMaterializer(t, acctWithRetries(0))
	ref := &InboundMediaRef{Kind: MediaImage}
	ref.AddCandidate(ResolvedCandidate{Kind: KindHTTP, URL: srv.URL + "/x.jpg"})
	res := m.MaterializeAll(context.Background(), "user:11111", "1", []*InboundMediaRef{ref})
	if res[0].ErrorCode != string(store.ErrMaterializeHTTPFailed) {
		t.Fatalf("error code = %s", res[0].ErrorCode)
	}
	if res[0].RetryCount != 0 {
		t.Fatalf("retryCount = %d, want 0", res[0].RetryCount)
	}
	if hits != 1 {
		t.Fatalf("server hits = %d, want 1", hits)
	}

	// Default 2 retries: three attempts total, retryCount 2.
	hits = 0
	m2, _ := newTestMaterializer(t, acctWithRetries(2))
	ref2 := &InboundMediaRef{Kind: MediaImage}
	ref2.AddCandidate(ResolvedCandidate{Kind: KindHTTP, URL: srv.URL + "/y.jpg"})
	res2 := m2.MaterializeAll(context.Background(), "user:11111", "2", []*InboundMediaRef{ref2})
	if res2[0].RetryCount != 2 || hits != 3 {
		t.Fatalf("retryCount = %d hits = %d, want 2/3", res2[0].RetryCount, hits)
	}
}

func TestMaterializeEmptyPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	m, _ := newTestMaterializer(t, acctWithRetries(0))
	ref := &InboundMediaRef{Kind: MediaFile}
	ref.AddCandidate(ResolvedCandidate{Kind: KindHTTP, URL: srv.URL})
	res := m.MaterializeAll(context.Background(), "user:11111", "1", []*InboundMediaRef{ref})
	if res[0].ErrorCode != string(store.ErrMaterializeEmptyPayload) {
		t.Fatalf("error code = %s", res[0].ErrorCode)
	}
}

func TestMaterializeExtFromBuffer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "noext")
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 32)...)
	if err := os.WriteFile(src, png, 0o644); err != nil {
		t.Fatal(err)
	}
	m, _ := newTestMaterializer(t, acctWithRetries(0))
	ref := &InboundMediaRef{Kind: MediaFile, NameHint: "noext"}
	ref.AddCandidate(ResolvedCandidate{Kind: KindFile, URL: "file://" + src})
	res := m.MaterializeAll(context.Background(), "user:11111", "1", []*InboundMediaRef{ref})
	if !res[0].Materialized {
		t.Fatalf("expected success, got %+v", res[0])
	}
	if !strings.HasSuffix(res[0].FinalFilename, ".png") {
		t.Fatalf("final name = %s, want .png suffix", res[0].FinalFilename)
	}
	if res[0].ExtSource != store.ExtSourceBuffer {
		t.Fatalf("ext source = %s, want buffer", res[0].ExtSource)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct{ in, want string }{
		{"normal.jpg", "normal.jpg"},
		{"../../etc/passwd", "passwd"},
		{`a<b>c:d"e.txt`, "a_b_c_d_e.txt"},
		{"", "media"},
		{"..", "media"},
		{"line\nbreak.png", "line_break.png"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSniffTextShapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"json", `{"a":1}`, ".json"},
		{"xml", `<?xml version="1.0"?><r/>`, ".xml"},
		{"markdown", "# Title\nbody", ".md"},
		{"csv", "a,b,c\n1,2,3\n", ".csv"},
		{"tsv", "a\tb\n1\t2\n", ".tsv"},
		{"plain", "just words", ".txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sniffTextExt([]byte(tt.in)); got != tt.want {
				t.Errorf("sniffTextExt = %q, want %q", got, tt.want)
			}
		})
	}
}
