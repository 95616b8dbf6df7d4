package delivery

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/policy"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
	"github.com/xingyingyuzhui/openclaw-QQ/pkg/onebot"
)

// RelaySigner mints time-limited signed URLs for whitelisted local files.
// Nil disables the relay candidate.
type RelaySigner interface {
	SignFileURL(localPath string) (url string, ok bool)
}

// MediaSender delivers one media item through the ordered candidate chain:
// stream upload, HTTP relay, raw URL, base64, local path.
type MediaSender struct {
	acct          *config.Account
	queue         *Queue
	conn          Transport
	checks        *policy.Checker
	routes        *store.RouteStore
	layout        *store.Layout
	logger        *diag.Logger
	relay         RelaySigner
	workspaceRoot string
}

// NewMediaSender returns a MediaSender. relay may be nil.
func NewMediaSender(acct *config.Account, queue *Queue, conn Transport, checks *policy.Checker, routes *store.RouteStore, layout *store.Layout, logger *diag.Logger, relay RelaySigner, workspaceRoot string) *MediaSender {
	return &MediaSender{
		acct:          acct,
		queue:         queue,
		conn:          conn,
		checks:        checks,
		routes:        routes,
		layout:        layout,
		logger:        logger,
		relay:         relay,
		workspaceRoot: workspaceRoot,
	}
}

// candidate is one way to hand the media to the protocol.
type candidate struct {
	label string
	file  string // value for the segment's file field
}

// Send delivers one media source (URL or local path) of the given segment
// kind (image|record|video|file). It stops at the first successful
// candidate. Drops return a DropError; transport failures return the last
// candidate's error.
func (s *MediaSender) Send(ctx context.Context, route, dispatchID, source, kind string, preflight func() error) error {
	tr := newAttemptTrace(s.logger, route, dispatchID, "send_media")
	tr.prepared()

	action := policy.ActionSendMedia
	usageField := store.UsageSendMedia
	if kind == onebot.SegRecord {
		action = policy.ActionSendVoice
		usageField = store.UsageSendVoice
	}
	if err := s.checks.Check(policy.StageBeforeOutbound, route, action); err != nil {
		code := policy.CodeOf(err)
		tr.dropped(string(code))
		return Drop(code)
	}

	localPath, isLocal, err := s.resolveLocal(route, source)
	if err != nil {
		if code, dropped := DropCode(err); dropped {
			tr.dropped(string(code))
		} else {
			tr.failed(err)
		}
		return err
	}

	if kind == onebot.SegImage {
		if ok := s.bumpImageWindow(route); !ok {
			tr.dropped(string(store.ErrQuotaExceeded))
			return Drop(store.ErrQuotaExceeded)
		}
	}

	cands := s.buildCandidates(ctx, source, localPath, isLocal)
	if len(cands) == 0 {
		tr.dropped(string(store.ErrUnsupportedSource))
		return Drop(store.ErrUnsupportedSource)
	}

	dedupKey := mediaDedupKeyFor(route, source)
	task := &SendTask{
		Route:         route,
		DispatchID:    dispatchID,
		AttemptID:     tr.attemptID,
		Action:        "send_media",
		MediaDedupKey: dedupKey,
		Preflight:     preflight,
	}

	var lastErr error
	task.Do = func(tctx context.Context) error {
		for _, cand := range cands {
			err := s.queue.SendWithRetry(tctx, task, func(actx context.Context) error {
				tr.sending()
				seg := onebot.MediaSegment(kind, cand.file)
				return SendSegments(actx, s.conn, route, []onebot.OutSegment{seg})
			})
			if err == nil {
				return nil
			}
			lastErr = err
			if _, dropped := DropCode(err); dropped {
				return err
			}
			s.logger.Trace(diag.Event{
				EventName:  "qq_media_candidate_failed",
				Route:      route,
				DispatchID: dispatchID,
				AttemptID:  tr.attemptID,
				ResolveResult: cand.label,
				Error:      err.Error(),
			})
		}
		return fmt.Errorf("delivery: all media candidates failed: %w", lastErr)
	}

	tr.queued()
	err = <-s.queue.Submit(task)
	if err != nil {
		if code, dropped := DropCode(err); dropped {
			tr.dropped(string(code))
		} else {
			tr.failed(err)
		}
		return err
	}

	tr.sent()
	if _, berr := s.routes.BumpUsage(route, usageField); berr != nil {
		s.logger.Trace(diag.Event{EventName: "qq_usage_bump_failed", Route: route, Error: berr.Error()})
	}
	s.logger.Chat(route, "out", fmt.Sprintf("[%s] %s", kind, filepath.Base(source)))
	s.cleanupTransient(isLocal, localPath)
	return nil
}

// resolveLocal persists a locally-resolvable source into the route's
// out/files snapshot directory so the file survives async sending, and
// enforces the path allowlist on the original location.
func (s *MediaSender) resolveLocal(route, source string) (localPath string, isLocal bool, err error) {
	p := strings.TrimPrefix(source, "file://")
	if !strings.HasPrefix(p, "/") {
		return "", false, nil // remote or scheme-carrying source
	}
	if err := s.checkPathPolicy(p); err != nil {
		return "", false, err
	}
	if _, serr := os.Stat(p); serr != nil {
		return "", false, fmt.Errorf("delivery: media source %s: %w", p, serr)
	}

	dir := s.layout.OutFilesDir(route)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}
	snap := filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(p)))
	if err := copyFile(p, snap); err != nil {
		return "", false, err
	}
	return snap, true, nil
}

// checkPathPolicy verifies the canonicalized real path lies under one of the
// allowed roots.
func (s *MediaSender) checkPathPolicy(p string) error {
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		real = filepath.Clean(p)
	}
	roots := []string{
		s.workspaceRoot,
		filepath.Join(s.workspaceRoot, "skills"),
		filepath.Join(s.workspaceRoot, "qq_sessions"),
	}
	if s.acct.VoiceBasePath != "" {
		roots = append(roots, s.acct.VoiceBasePath)
	}
	roots = append(roots, s.acct.MediaPathAllowlist...)
	for _, root := range roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		if real == root || strings.HasPrefix(real, root+string(filepath.Separator)) {
			return nil
		}
	}
	return Drop(store.ErrPathOutsideAllowlist)
}

// buildCandidates orders the transport candidates per streamTransportPrefer.
func (s *MediaSender) buildCandidates(ctx context.Context, source, localPath string, isLocal bool) []candidate {
	var stream, relay, raw, b64, local []candidate

	if isLocal && s.acct.StreamTransportEnabled {
		if id, ok := s.uploadStream(ctx, localPath); ok {
			stream = append(stream, candidate{label: "stream", file: "stream://" + id})
		}
	}
	if isLocal && s.relay != nil && s.acct.MediaProxyEnabled {
		if url, ok := s.relay.SignFileURL(localPath); ok {
			relay = append(relay, candidate{label: "relay", file: url})
		}
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		raw = append(raw, candidate{label: "raw-url", file: source})
	}
	if isLocal {
		if data, err := os.ReadFile(localPath); err == nil && len(data) > 0 {
			b64 = append(b64, candidate{label: "base64", file: "base64://" + base64.StdEncoding.EncodeToString(data)})
		}
		local = append(local, candidate{label: "local", file: "file://" + localPath})
	}

	var out []candidate
	if s.acct.StreamPrefer() == config.StreamPreferHTTPFirst {
		out = append(out, relay...)
		out = append(out, raw...)
		out = append(out, stream...)
	} else {
		out = append(out, stream...)
		out = append(out, relay...)
		out = append(out, raw...)
	}
	out = append(out, b64...)
	out = append(out, local...)
	return out
}

// uploadStream pushes the local file through upload_file_stream and returns
// the server-side stream id.
func (s *MediaSender) uploadStream(ctx context.Context, localPath string) (string, bool) {
	resp, err := s.conn.SendAction(ctx, onebot.ActionUploadFileStream, map[string]string{"file": localPath})
	if err != nil || !resp.OK() {
		return "", false
	}
	var sd onebot.StreamData
	if json.Unmarshal(resp.Data, &sd) != nil {
		return "", false
	}
	id := sd.StreamID
	if id == "" {
		id = sd.File
	}
	return id, id != ""
}

func (s *MediaSender) bumpImageWindow(route string) bool {
	if s.routes.IsOwnerRoute(route) {
		return true
	}
	if _, err := s.routes.ConvState(route); err != nil {
		return true
	}
	allowed := true
	_ = s.routes.SaveConvState(route, func(c *store.ConversationState) {
		allowed = c.BumpImageWindow(time.Now())
	})
	return allowed
}

// cleanupTransient removes generated voice snapshots after a successful
// send; other snapshots stay for the conversation record.
func (s *MediaSender) cleanupTransient(isLocal bool, localPath string) {
	if !isLocal {
		return
	}
	base := filepath.Base(localPath)
	if strings.Contains(base, "voice-") && strings.HasSuffix(base, ".wav") {
		_ = os.Remove(localPath)
	}
}

func mediaDedupKeyFor(route, source string) string {
	sum := sha1.Sum([]byte(route + "\n" + source))
	return hex.EncodeToString(sum[:])
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
