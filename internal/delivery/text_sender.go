package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/policy"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
	"github.com/xingyingyuzhui/openclaw-QQ/pkg/onebot"
)

// TextSender pushes outbound text chunks through the send queue with
// dedup, policy, and quota enforcement.
type TextSender struct {
	acct   *config.Account
	queue  *Queue
	conn   Transport
	checks *policy.Checker
	routes *store.RouteStore
	logger *diag.Logger

	mu       sync.Mutex
	recent   map[string]time.Time // route + "\n" + text → last sent
	lastSent map[string]lastText  // route → newest outbound text, for the repeat guard
}

// lastText is the route's most recent outbound chunk.
type lastText struct {
	text string
	at   time.Time
}

// NewTextSender returns a TextSender over the account's queue.
func NewTextSender(acct *config.Account, queue *Queue, conn Transport, checks *policy.Checker, routes *store.RouteStore, logger *diag.Logger) *TextSender {
	return &TextSender{
		acct:   acct,
		queue:  queue,
		conn:   conn,
		checks: checks,
		routes: routes,
		logger:   logger,
		recent:   make(map[string]time.Time),
		lastSent: make(map[string]lastText),
	}
}

// Send delivers one text chunk to route. preflight (may be nil) is re-run
// before every attempt; a DropError from it abandons the send. Returns the
// drop code for any suppressed send, or an error for transport failures.
func (s *TextSender) Send(ctx context.Context, route, dispatchID, text string, preflight func() error) error {
	tr := newAttemptTrace(s.logger, route, dispatchID, "send_text")
	tr.prepared()

	if s.isDuplicate(route, text) || s.isRepeat(route, text) {
		tr.dropped(string(store.ErrDuplicateTextSuppressed))
		return Drop(store.ErrDuplicateTextSuppressed)
	}
	if err := s.checks.Check(policy.StageBeforeOutbound, route, policy.ActionSendText); err != nil {
		code := policy.CodeOf(err)
		tr.dropped(string(code))
		return Drop(code)
	}

	task := &SendTask{
		Route:      route,
		DispatchID: dispatchID,
		AttemptID:  tr.attemptID,
		Action:     "send_text",
		Preflight:  preflight,
	}
	task.Do = func(tctx context.Context) error {
		return s.queue.SendWithRetry(tctx, task, func(actx context.Context) error {
			tr.sending()
			return SendSegments(actx, s.conn, route, []onebot.OutSegment{onebot.TextSegment(text)})
		})
	}

	tr.queued()
	err := <-s.queue.Submit(task)
	if err != nil {
		if code, dropped := DropCode(err); dropped {
			tr.dropped(string(code))
		} else {
			tr.failed(err)
		}
		return err
	}

	tr.sent()
	s.markSent(route, text)
	if _, berr := s.routes.BumpUsage(route, store.UsageSendText); berr != nil {
		s.logger.Trace(diag.Event{EventName: "qq_usage_bump_failed", Route: route, Error: berr.Error()})
	}
	s.logger.Chat(route, "out", text)
	return nil
}

func (s *TextSender) isDuplicate(route, text string) bool {
	window := s.acct.OutboundTextDedupWindow()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := route + "\n" + text
	at, ok := s.recent[key]
	return ok && time.Since(at) < window
}

// isRepeat is the longer-window guard against the agent reproducing its own
// previous reply: only the route's newest outbound text is compared, so an
// alternating A/B conversation is never suppressed.
func (s *TextSender) isRepeat(route, text string) bool {
	window := s.acct.OutboundRepeatGuardWindow()
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSent[route]
	return ok && last.text == text && time.Since(last.at) < window
}

func (s *TextSender) markSent(route, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.recent[route+"\n"+text] = now
	s.lastSent[route] = lastText{text: text, at: now}
	if len(s.recent) > 512 {
		cutoff := now.Add(-s.acct.OutboundTextDedupWindow())
		for k, v := range s.recent {
			if v.Before(cutoff) {
				delete(s.recent, k)
			}
		}
	}
}
