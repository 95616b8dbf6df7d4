package media

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
	"github.com/xingyingyuzhui/openclaw-QQ/pkg/onebot"
)

// ActionSender is the slice of the protocol client the resolver needs.
type ActionSender interface {
	SendAction(ctx context.Context, action string, params any) (*onebot.ActionResponse, error)
}

// Resolver discovers candidate sources for inbound media refs by probing
// protocol actions in a priority sequence.
type Resolver struct {
	client ActionSender
	acct   *config.Account
	logger *diag.Logger
}

// NewResolver returns a Resolver bound to one account's protocol client.
func NewResolver(client ActionSender, acct *config.Account, logger *diag.Logger) *Resolver {
	return &Resolver{client: client, acct: acct, logger: logger}
}

var cqMediaRe = regexp.MustCompile(`\[CQ:(image|video|record|file),([^\]]*)\]`)
var cqFieldRe = regexp.MustCompile(`(\w+)=([^,\]]*)`)

// CollectRefs walks the decoded segments (plus any inline CQ-style codes in
// text segments) and builds the ref list, capped at the account's
// inboundMediaMaxPerMessage.
func (r *Resolver) CollectRefs(route, msgID string, segs []onebot.Segment) []*InboundMediaRef {
	maxRefs := r.acct.MediaMaxPerMessage()
	var refs []*InboundMediaRef

	add := func(ref *InboundMediaRef) {
		if len(refs) < maxRefs {
			refs = append(refs, ref)
		}
	}

	for i, seg := range segs {
		switch seg.Type {
		case onebot.SegImage, onebot.SegVideo, onebot.SegRecord, onebot.SegFile:
			d, err := seg.ParseData()
			if err != nil {
				continue
			}
			ref := &InboundMediaRef{Kind: MediaKind(seg.Type), FileID: d.File, SegIndex: i}
			if d.Name != "" {
				ref.NameHint = d.Name
			} else if d.File != "" {
				ref.NameHint = d.File
			}
			addSegmentFields(ref, d)
			add(ref)
		case onebot.SegText:
			d, err := seg.ParseData()
			if err != nil {
				continue
			}
			for _, m := range cqMediaRe.FindAllStringSubmatch(d.Text, -1) {
				ref := &InboundMediaRef{Kind: MediaKind(m[1]), SegIndex: i}
				for _, f := range cqFieldRe.FindAllStringSubmatch(m[2], -1) {
					switch f[1] {
					case "file":
						ref.FileID = f[2]
						if ref.NameHint == "" {
							ref.NameHint = f[2]
						}
					case "url", "src":
						ref.AddCandidate(ClassifyURL(f[2]))
					case "name":
						ref.NameHint = f[2]
					}
				}
				add(ref)
			}
		}
	}

	r.logger.Trace(diag.Event{
		EventName:    "qq_media_collect",
		Route:        route,
		MsgID:        msgID,
		Source:       diag.SourceInbound,
		ResolveStage: "collect",
		RetryCount:   len(refs),
	})
	return refs
}

// addSegmentFields folds every normalized segment location field into the
// ref's candidate set (the union of action-returned locations
// and segment fields).
func addSegmentFields(ref *InboundMediaRef, d onebot.SegmentData) {
	for _, src := range []string{d.URL, d.Src, d.DownloadURL, d.Path, d.FilePath, d.LocalPath, d.TempFile} {
		if src != "" {
			ref.AddCandidate(ClassifyURL(src))
		}
	}
	if d.Base64 != "" {
		ref.AddCandidate(ResolvedCandidate{Kind: KindBase64, URL: "base64://" + d.Base64})
	}
	// A file field that looks like a location (not a bare token) is itself
	// a candidate.
	if c := ClassifyURL(d.File); c.Kind != KindUnknown {
		ref.AddCandidate(c)
	}
}

// actionsForKind returns the probe sequence for a media kind, most specific
// first.
func (r *Resolver) actionsForKind(kind MediaKind) []string {
	var acts []string
	switch kind {
	case MediaImage:
		acts = []string{onebot.ActionGetImage, onebot.ActionGetFile}
	case MediaRecord:
		acts = []string{onebot.ActionGetRecord, onebot.ActionGetFile}
	case MediaVideo, MediaFile:
		acts = []string{onebot.ActionGetFile}
	}
	if r.acct.InboundMediaUseStream {
		acts = append(acts, onebot.ActionDownloadFileStream)
	}
	return acts
}

// Resolve probes the protocol actions for each ref and merges the results
// into the candidate sets. Preference napcat-first probes actions before
// trusting segment fields; direct-first only probes refs whose segment
// fields produced nothing usable.
func (r *Resolver) Resolve(ctx context.Context, route, msgID string, refs []*InboundMediaRef) {
	directFirst := r.acct.ResolvePrefer() == config.ResolvePreferDirectFirst
	for _, ref := range refs {
		if ref.FileID == "" {
			continue
		}
		if directFirst && len(ref.Candidates) > 0 && !ref.OnlyLocalFile() {
			continue
		}
		r.probeRef(ctx, route, msgID, ref)
	}
}

func (r *Resolver) probeRef(ctx context.Context, route, msgID string, ref *InboundMediaRef) {
	for _, action := range r.actionsForKind(ref.Kind) {
		start := time.Now()
		var params any
		if action == onebot.ActionDownloadFileStream {
			params = onebot.DownloadStreamParams{File: ref.FileID}
		} else {
			params = onebot.FileRefParams{File: ref.FileID}
		}
		resp, err := r.client.SendAction(ctx, action, params)
		ev := diag.Event{
			EventName:     "qq_media_resolve",
			Route:         route,
			MsgID:         msgID,
			Source:        diag.SourceInbound,
			ResolveStage:  "resolve",
			ResolveAction: action,
			DurationMs:    time.Since(start).Milliseconds(),
		}
		if err != nil || !resp.OK() {
			ev.ResolveResult = string(store.ErrResolveActionFailed)
			if err != nil {
				ev.Error = err.Error()
			} else {
				ev.Error = resp.Msg
			}
			r.logger.Trace(ev)
			continue
		}
		added := mergeActionData(ref, action, resp.Data)
		if added > 0 {
			ev.ResolveResult = "ok"
			r.logger.Trace(ev)
			return
		}
		ev.ResolveResult = "empty"
		r.logger.Trace(ev)
	}
}

// mergeActionData folds an action response payload into the ref's
// candidates, returning how many were added.
func mergeActionData(ref *InboundMediaRef, action string, data json.RawMessage) int {
	before := len(ref.Candidates)
	if action == onebot.ActionDownloadFileStream {
		var sd onebot.StreamData
		if json.Unmarshal(data, &sd) == nil {
			id := sd.StreamID
			if id == "" {
				id = sd.File
			}
			if id != "" {
				ref.AddCandidate(ResolvedCandidate{Kind: KindStream, URL: "stream://" + id})
			}
			if sd.Path != "" {
				ref.AddCandidate(ClassifyURL(sd.Path))
			}
		}
		return len(ref.Candidates) - before
	}
	var gd onebot.GetImageData
	if json.Unmarshal(data, &gd) == nil {
		if gd.URL != "" {
			ref.AddCandidate(ClassifyURL(gd.URL))
		}
		if gd.File != "" {
			ref.AddCandidate(ClassifyURL(gd.File))
		}
		if gd.Base64 != "" {
			ref.AddCandidate(ResolvedCandidate{Kind: KindBase64, URL: "base64://" + gd.Base64})
		}
	}
	return len(ref.Candidates) - before
}

// FallbackGetMsg reloads the full message and retries resolution for refs
// whose candidate set is empty or entirely file://.
// Reloaded segments are pooled by kind and matched to refs by position.
func (r *Resolver) FallbackGetMsg(ctx context.Context, route, msgID string, messageID int64, refs []*InboundMediaRef) {
	if !r.acct.InboundMediaFallbackGetMsg || messageID == 0 {
		return
	}
	var needy []*InboundMediaRef
	for _, ref := range refs {
		if len(ref.Candidates) == 0 || ref.OnlyLocalFile() {
			needy = append(needy, ref)
		}
	}
	if len(needy) == 0 {
		return
	}

	resp, err := r.client.SendAction(ctx, onebot.ActionGetMsg, onebot.GetMsgParams{MessageID: messageID})
	ev := diag.Event{
		EventName:     "qq_media_resolve",
		Route:         route,
		MsgID:         msgID,
		Source:        diag.SourceInbound,
		ResolveStage:  "fallback_get_msg",
		ResolveAction: onebot.ActionGetMsg,
	}
	if err != nil || !resp.OK() {
		ev.ResolveResult = string(store.ErrResolveActionFailed)
		if err != nil {
			ev.Error = err.Error()
		}
		r.logger.Trace(ev)
		return
	}
	var gd onebot.GetMsgData
	if err := json.Unmarshal(resp.Data, &gd); err != nil {
		ev.ResolveResult = "bad_payload"
		r.logger.Trace(ev)
		return
	}
	segs, err := gd.Segments()
	if err != nil {
		ev.ResolveResult = "bad_payload"
		r.logger.Trace(ev)
		return
	}
	ev.ResolveResult = "ok"
	r.logger.Trace(ev)

	// Pool reloaded media segments by kind; match needy refs by position
	// within their kind.
	pool := make(map[MediaKind][]onebot.SegmentData)
	for _, seg := range segs {
		switch seg.Type {
		case onebot.SegImage, onebot.SegVideo, onebot.SegRecord, onebot.SegFile:
			if d, err := seg.ParseData(); err == nil {
				pool[MediaKind(seg.Type)] = append(pool[MediaKind(seg.Type)], d)
			}
		}
	}
	kindPos := make(map[MediaKind]int)
	for _, ref := range refs {
		pos := kindPos[ref.Kind]
		kindPos[ref.Kind] = pos + 1
		if len(ref.Candidates) != 0 && !ref.OnlyLocalFile() {
			continue
		}
		if pos >= len(pool[ref.Kind]) {
			continue
		}
		d := pool[ref.Kind][pos]
		addSegmentFields(ref, d)
		if ref.FileID == "" && d.File != "" {
			ref.FileID = d.File
		}
	}

	// One more action pass for refs that gained a file token but still
	// lack a readable source.
	for _, ref := range needy {
		if (len(ref.Candidates) == 0 || ref.OnlyLocalFile()) && ref.FileID != "" {
			r.probeRef(ctx, route, msgID, ref)
		}
	}
}
