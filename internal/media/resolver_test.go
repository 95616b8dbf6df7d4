package media

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
	"github.com/xingyingyuzhui/openclaw-QQ/pkg/onebot"
)

// scriptedSender answers actions from a fixed table.
type scriptedSender struct {
	responses map[string]*onebot.ActionResponse
	calls     []string
}

func (s *scriptedSender) SendAction(ctx context.Context, action string, params any) (*onebot.ActionResponse, error) {
	s.calls = append(s.calls, action)
	if resp, ok := s.responses[action]; ok {
		return resp, nil
	}
	return &onebot.ActionResponse{Status: onebot.StatusFailed, Msg: "unsupported action"}, nil
}

func okData(v any) *onebot.ActionResponse {
	b, _ := json.Marshal(v)
	return &onebot.ActionResponse{Status: onebot.StatusOK, Data: b}
}

func newTestResolver(t *testing.T, sender ActionSender, mutate func(*config.Account)) *Resolver {
	t.Helper()
	acct := config.DefaultAccount()
	acct.InboundMediaUseStream = false
	if mutate != nil {
		mutate(&acct)
	}
	layout := store.NewLayout(t.TempDir())
	return NewResolver(sender, &acct, diag.New(layout, nil))
}

func imageSegment(t *testing.T, data map[string]string) onebot.Segment {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return onebot.Segment{Type: onebot.SegImage, Data: b}
}

func TestCollectRefsFromSegmentsAndCQCodes(t *testing.T) {
	r := newTestResolver(t, &scriptedSender{}, nil)
	segs := []onebot.Segment{
		imageSegment(t, map[string]string{"file": "abc.jpg", "url": "https://example/a.jpg"}),
		{Type: onebot.SegText, Data: json.RawMessage(`{"text":"look [CQ:image,file=xyz.png,url=https://example/b.png]"}`)},
	}
	refs := r.CollectRefs("user:11111", "1", segs)
	if len(refs) != 2 {
		t.Fatalf("refs = %d, want 2", len(refs))
	}
	if len(refs[0].Candidates) != 1 || refs[0].Candidates[0].URL != "https://example/a.jpg" {
		t.Fatalf("segment candidates = %+v", refs[0].Candidates)
	}
	if refs[1].FileID != "xyz.png" || len(refs[1].Candidates) != 1 {
		t.Fatalf("cq ref = %+v", refs[1])
	}
}

func TestCollectRefsCapped(t *testing.T) {
	r := newTestResolver(t, &scriptedSender{}, func(a *config.Account) { a.InboundMediaMaxPerMessage = 2 })
	var segs []onebot.Segment
	for i := 0; i < 5; i++ {
		segs = append(segs, imageSegment(t, map[string]string{"file": "f.jpg"}))
	}
	refs := r.CollectRefs("user:11111", "1", segs)
	if len(refs) != 2 {
		t.Fatalf("refs = %d, want cap of 2", len(refs))
	}
}

func TestResolveProbesActionForBareToken(t *testing.T) {
	sender := &scriptedSender{responses: map[string]*onebot.ActionResponse{
		onebot.ActionGetImage: okData(onebot.GetImageData{URL: "https://example/x.jpg"}),
	}}
	r := newTestResolver(t, sender, nil)
	ref := &InboundMediaRef{Kind: MediaImage, FileID: "token123"}
	r.Resolve(context.Background(), "user:11111", "1", []*InboundMediaRef{ref})
	if len(ref.Candidates) != 1 || ref.Candidates[0].URL != "https://example/x.jpg" {
		t.Fatalf("candidates = %+v", ref.Candidates)
	}
}

func TestDirectFirstSkipsProbeWhenSegmentHasURL(t *testing.T) {
	sender := &scriptedSender{responses: map[string]*onebot.ActionResponse{
		onebot.ActionGetImage: okData(onebot.GetImageData{URL: "https://example/from-action.jpg"}),
	}}
	r := newTestResolver(t, sender, func(a *config.Account) {
		a.InboundMediaResolvePrefer = config.ResolvePreferDirectFirst
	})
	ref := &InboundMediaRef{Kind: MediaImage, FileID: "tok"}
	ref.AddCandidate(ResolvedCandidate{Kind: KindHTTP, URL: "https://example/direct.jpg"})
	r.Resolve(context.Background(), "user:11111", "1", []*InboundMediaRef{ref})
	if len(sender.calls) != 0 {
		t.Fatalf("direct-first must not probe, calls = %v", sender.calls)
	}
}

func TestFallbackGetMsgRefillsFileOnlyRef(t *testing.T) {
	msgBody, _ := json.Marshal([]onebot.Segment{
		imageSegment(t, map[string]string{"file": "tok", "url": "https://example/reloaded.jpg"}),
	})
	sender := &scriptedSender{responses: map[string]*onebot.ActionResponse{
		onebot.ActionGetMsg: okData(onebot.GetMsgData{MessageID: 42, Message: msgBody}),
	}}
	r := newTestResolver(t, sender, nil)

	ref := &InboundMediaRef{Kind: MediaImage, FileID: "tok"}
	ref.AddCandidate(ResolvedCandidate{Kind: KindFile, URL: "file:///container/only.jpg"})
	if !ref.OnlyLocalFile() {
		t.Fatal("precondition: ref should be file-only")
	}

	r.FallbackGetMsg(context.Background(), "user:11111", "42", 42, []*InboundMediaRef{ref})
	found := false
	for _, c := range ref.Candidates {
		if c.URL == "https://example/reloaded.jpg" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reloaded url missing from candidates: %+v", ref.Candidates)
	}
}

func TestClassifyURL(t *testing.T) {
	tests := []struct {
		in   string
		kind CandidateKind
	}{
		{"https://x/y.png", KindHTTP},
		{"file:///tmp/a", KindFile},
		{"/tmp/abs", KindFile},
		{"base64://AAAA", KindBase64},
		{"data:image/png;base64,AAAA", KindData},
		{"stream://abc", KindStream},
		{"bare-token", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyURL(tt.in); got.Kind != tt.kind {
			t.Errorf("ClassifyURL(%q).Kind = %s, want %s", tt.in, got.Kind, tt.kind)
		}
	}
}
