// Package dispatch implements the route-scoped dispatch engine:
// interrupt policy, coalescing, dispatch lifecycle, agent invocation
// with cooperative cancellation, heavy-task offload, and the bounded
// fallback message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/aggregate"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/normalize"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/policy"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routestate"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routing"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/tasks"
)

// heavyTextThreshold routes long inbound text through the task units
// instead of a direct agent call.
const heavyTextThreshold = 800

// Fallback and notify texts.
const (
	fallbackText      = "处理中断，请再发一次。"
	timeoutNotifyText = "处理中超时，请稍后重试。"
	errorNotifyText   = "⚠️ 服务调用失败，请稍后重试。"
	heavyAckText      = "收到，正在处理中……"
)

// Inbound is one coalesced logical inbound message entering the engine.
type Inbound struct {
	Route                  string
	MsgID                  string
	Seq                    int64
	Text                   string
	MediaPaths             []string // materialized local files
	MediaItemsTotal        int
	MediaItemsMaterialized int
	MediaItemsUnresolved   int
	Source                 string // diag.SourceChat | SourceAutomation
}

// AgentRunOptions parameterizes one agent turn.
type AgentRunOptions struct {
	Route      string
	AgentID    string
	SessionKey string
	Prompt     string
	MediaPaths []string
	Source     string
	Deliver    func(p normalize.ReplyPayload) error
}

// AgentRunner is the opaque conversational-agent runtime collaborator.
// DispatchReply must honor ctx cancellation cooperatively.
type AgentRunner interface {
	DispatchReply(ctx context.Context, opts AgentRunOptions) error
}

// DeliveryOutcome reports what one reply delivery achieved.
type DeliveryOutcome struct {
	DeliveredUnits int
	Drops          []store.ErrCode
}

// Deliverer pushes normalized replies out; the gateway implements it over
// the delivery pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, route, dispatchID string, p normalize.ReplyPayload, source string) DeliveryOutcome
}

// Engine is the per-account dispatch engine.
type Engine struct {
	acct     *config.Account
	routes   *routestate.Context
	fileLock *routestate.FileTaskLock
	agg      *aggregate.Aggregator
	checks   *policy.Checker
	agent    AgentRunner
	deliver  Deliverer
	tasks    *tasks.Runner
	stored   *store.RouteStore
	activity *routestate.Activity
	logger   *diag.Logger

	mu           sync.Mutex
	lastFallback map[string]time.Time
}

// NewEngine wires the engine's collaborators together.
func NewEngine(
	acct *config.Account,
	routes *routestate.Context,
	fileLock *routestate.FileTaskLock,
	agg *aggregate.Aggregator,
	checks *policy.Checker,
	agent AgentRunner,
	deliver Deliverer,
	taskRunner *tasks.Runner,
	stored *store.RouteStore,
	activity *routestate.Activity,
	logger *diag.Logger,
) *Engine {
	return &Engine{
		acct:         acct,
		routes:       routes,
		fileLock:     fileLock,
		agg:          agg,
		checks:       checks,
		agent:        agent,
		deliver:      deliver,
		tasks:        taskRunner,
		stored:       stored,
		activity:     activity,
		logger:       logger,
		lastFallback: make(map[string]time.Time),
	}
}

// dispatchRun accumulates one dispatch's delivery outcome.
type dispatchRun struct {
	mu        sync.Mutex
	delivered int
	drops     []store.ErrCode
}

func (d *dispatchRun) record(o DeliveryOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered += o.DeliveredUnits
	d.drops = append(d.drops, o.Drops...)
}

func (d *dispatchRun) snapshot() (delivered int, drops []store.ErrCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered, append([]store.ErrCode(nil), d.drops...)
}

// HandleInbound drives one logical inbound through the full dispatch
// lifecycle. Exactly one of: delivered replies, a bounded fallback text, or
// a clean supersede with a drop reason.
func (e *Engine) HandleInbound(ctx context.Context, in *Inbound) error {
	if !routing.IsValidQQRoute(in.Route) {
		return fmt.Errorf("dispatch: invalid route %q", in.Route)
	}

	effective := e.effectivePolicy(in)

	if _, busy := e.routes.CurrentInFlight(in.Route); busy && effective == config.InterruptQueueLatest {
		e.queueLatest(in)
		return nil
	}

	// Coalesce window: a newer sequence observed during the sleep means a
	// newer push owns this inbound now.
	if e.acct.InterruptCoalesceEnabled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.acct.InterruptWindow()):
		}
		if e.agg.LatestSeq(in.Route) > in.Seq {
			e.logger.Trace(diag.Event{
				EventName:  "qq_dispatch_coalesce_superseded",
				Route:      in.Route,
				MsgID:      in.MsgID,
				Source:     in.Source,
				DropReason: string(store.ErrMergedIntoNewerInbound),
			})
			return nil
		}
	}

	return e.runDispatch(ctx, in)
}

// effectivePolicy resolves the interrupt policy for this inbound: the
// media override when the inbound carries media, and the adaptive degrade
// to queue-latest after a recent timeout or while the file-task lock is
// held.
func (e *Engine) effectivePolicy(in *Inbound) string {
	pol := e.acct.EffectiveInterruptPolicy()
	if in.MediaItemsTotal > 0 {
		switch e.acct.MediaInterruptPolicy {
		case config.InterruptPreempt, config.InterruptQueueLatest, config.InterruptAdaptive:
			pol = e.acct.MediaInterruptPolicy
		}
	}
	if pol == config.InterruptAdaptive {
		if e.routes.RecentlyTimedOut(in.Route, e.acct.AdaptiveDegradeWindow(), time.Now()) || e.fileLock.Held(in.Route) {
			return config.InterruptQueueLatest
		}
		return config.InterruptPreempt
	}
	return pol
}

// queueLatest installs the inbound as the route's pending-latest, dropping
// any older pending entry.
func (e *Engine) queueLatest(in *Inbound) {
	if prev, ok := e.routes.PendingLatest(in.Route); ok {
		if prev.InboundSeq >= in.Seq {
			// Out-of-order arrival: the queued entry is already newer.
			e.logger.Trace(diag.Event{
				EventName:  "qq_pending_superseded",
				Route:      in.Route,
				MsgID:      in.MsgID,
				Source:     in.Source,
				DropReason: string(store.ErrQueuedSupersededByNewer),
			})
			return
		}
		e.logger.Trace(diag.Event{
			EventName:  "qq_pending_superseded",
			Route:      in.Route,
			MsgID:      prev.MsgID,
			Source:     in.Source,
			DropReason: string(store.ErrQueuedSupersededByNewer),
		})
	}
	e.routes.SetPendingLatest(&routestate.PendingLatest{
		Route:               in.Route,
		MsgID:               in.MsgID,
		InboundSeq:          in.Seq,
		HasInboundMediaLike: in.MediaItemsTotal > 0,
	})
	e.logger.Trace(diag.Event{
		EventName: "qq_pending_queued",
		Route:     in.Route,
		MsgID:     in.MsgID,
		Source:    in.Source,
	})
}

func (e *Engine) runDispatch(ctx context.Context, in *Inbound) error {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatchID, prev := e.routes.BeginRouteInFlight(in.Route, in.MsgID, cancel)
	if prev != nil {
		prev.Cancel()
		e.logger.Trace(diag.Event{
			EventName:  "qq_dispatch_preempted",
			Route:      in.Route,
			MsgID:      prev.MsgID,
			DispatchID: prev.DispatchID,
			Source:     in.Source,
			DropReason: string(store.ErrDispatchAborted),
		})
	}

	e.logger.Trace(diag.Event{
		EventName:  "qq_dispatch_start",
		Route:      in.Route,
		MsgID:      in.MsgID,
		DispatchID: dispatchID,
		Source:     in.Source,
	})

	if err := e.checks.Check(policy.StageBeforeDispatch, in.Route, ""); err != nil {
		code := policy.CodeOf(err)
		e.routes.ClearRouteInFlight(in.Route, dispatchID)
		e.logger.Trace(diag.Event{
			EventName:  "qq_dispatch_blocked",
			Route:      in.Route,
			MsgID:      in.MsgID,
			DispatchID: dispatchID,
			Source:     in.Source,
			DropReason: string(code),
		})
		return nil
	}

	run := &dispatchRun{}
	deliverReply := func(p normalize.ReplyPayload) error {
		if !e.routes.IsCurrentDispatch(in.Route, dispatchID) {
			run.record(DeliveryOutcome{Drops: []store.ErrCode{store.ErrDispatchIDMismatch}})
			return fmt.Errorf("%s", store.ErrDispatchIDMismatch)
		}
		run.record(e.deliver.Deliver(dctx, in.Route, dispatchID, p, in.Source))
		return nil
	}

	// Fast-ack so the user sees responsiveness before a long media run.
	if in.MediaItemsTotal > 0 {
		run.record(e.deliver.Deliver(dctx, in.Route, dispatchID, normalize.ReplyPayload{Text: heavyAckText}, in.Source))
	}

	start := time.Now()
	var runErr error
	timedOut := false
	if e.isHeavy(in) {
		runErr, timedOut = e.runHeavy(ctx, dctx, in, dispatchID, deliverReply)
	} else {
		runErr, timedOut = e.runAgentBounded(dctx, in, deliverReply, cancel)
	}

	superseded := !e.routes.IsCurrentDispatch(in.Route, dispatchID)
	if superseded {
		// All further work tagged with our id short-circuits downstream via
		// the preflight dispatch-id check.
		e.logger.Trace(diag.Event{
			EventName:  "qq_dispatch_superseded",
			Route:      in.Route,
			MsgID:      in.MsgID,
			DispatchID: dispatchID,
			Source:     in.Source,
			DropReason: string(store.ErrDispatchIDMismatch),
			DurationMs: time.Since(start).Milliseconds(),
		})
		return nil
	}
	e.routes.ClearRouteInFlight(in.Route, dispatchID)

	delivered, drops := run.snapshot()
	switch {
	case runErr == nil:
		if _, err := e.stored.BumpUsage(in.Route, store.UsageDispatch); err != nil {
			e.logger.Trace(diag.Event{EventName: "qq_usage_bump_failed", Route: in.Route, Error: err.Error()})
		}
		e.logger.Trace(diag.Event{
			EventName:  "qq_dispatch_done",
			Route:      in.Route,
			MsgID:      in.MsgID,
			DispatchID: dispatchID,
			Source:     in.Source,
			DurationMs: time.Since(start).Milliseconds(),
		})
	case timedOut:
		e.routes.RecordTimeout(in.Route)
		e.logger.Trace(diag.Event{
			EventName:  "qq_dispatch_timeout",
			Route:      in.Route,
			MsgID:      in.MsgID,
			DispatchID: dispatchID,
			Source:     in.Source,
			DropReason: string(store.ErrDispatchTimeout),
			DurationMs: time.Since(start).Milliseconds(),
		})
		if e.acct.EnableErrorNotify {
			e.deliver.Deliver(ctx, in.Route, dispatchID, normalize.ReplyPayload{Text: timeoutNotifyText}, in.Source)
		}
	default:
		e.logger.Trace(diag.Event{
			EventName:  "qq_dispatch_error",
			Route:      in.Route,
			MsgID:      in.MsgID,
			DispatchID: dispatchID,
			Source:     in.Source,
			Error:      runErr.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		})
		if e.acct.EnableErrorNotify {
			e.deliver.Deliver(ctx, in.Route, dispatchID, normalize.ReplyPayload{Text: errorNotifyText}, in.Source)
		}
	}

	e.maybeFallback(ctx, in, dispatchID, timedOut, delivered, drops)
	e.drainPending(ctx, in)
	return runErr
}

// isHeavy reports whether the inbound routes through the task units.
func (e *Engine) isHeavy(in *Inbound) bool {
	return in.MediaItemsTotal > 0 || len([]rune(in.Text)) >= heavyTextThreshold
}

// runAgentBounded invokes the agent runtime under the reply-run timeout.
// On timeout it aborts the handle (if configured) and reports timedOut.
func (e *Engine) runAgentBounded(dctx context.Context, in *Inbound, deliver func(normalize.ReplyPayload) error, cancel context.CancelFunc) (err error, timedOut bool) {
	agentID := e.agentIDFor(in.Route)
	opts := AgentRunOptions{
		Route:      in.Route,
		AgentID:    agentID,
		SessionKey: routing.SessionKey(agentID),
		Prompt:     in.Text,
		MediaPaths: in.MediaPaths,
		Source:     in.Source,
		Deliver:    deliver,
	}

	done := make(chan error, 1)
	go func() { done <- e.agent.DispatchReply(dctx, opts) }()

	timeout := e.acct.ReplyRunTimeout()
	select {
	case err = <-done:
		return err, false
	case <-time.After(timeout):
		if e.acct.ReplyAbortOnTimeout {
			cancel()
		}
		return fmt.Errorf("dispatch: reply run timeout after %dms", timeout.Milliseconds()), true
	}
}

// runHeavy offloads the agent invocation to the task units with their own
// guardrails.
func (e *Engine) runHeavy(ctx, dctx context.Context, in *Inbound, dispatchID string, deliver func(normalize.ReplyPayload) error) (err error, timedOut bool) {
	if in.MediaItemsTotal > 0 {
		e.fileLock.Acquire(in.Route, e.acct.FileTaskLock())
		defer e.fileLock.Release(in.Route)
	}

	payloadSummary := summarize(in.Text, in.MediaItemsTotal)
	req := tasks.Request{
		Route:          in.Route,
		MsgID:          in.MsgID,
		DispatchID:     dispatchID,
		TaskKind:       "agent-turn",
		PayloadSummary: payloadSummary,
		Body: func(tctx context.Context) (string, error) {
			agentID := e.agentIDFor(in.Route)
			rctx, rcancel := mergeCancel(tctx, dctx)
			defer rcancel()
			rerr := e.agent.DispatchReply(rctx, AgentRunOptions{
				Route:      in.Route,
				AgentID:    agentID,
				SessionKey: routing.SessionKey(agentID),
				Prompt:     in.Text,
				MediaPaths: in.MediaPaths,
				Source:     in.Source,
				Deliver:    deliver,
			})
			return payloadSummary, rerr
		},
	}
	res, terr := e.tasks.Schedule(ctx, req)
	if terr != nil {
		return terr, isTimeoutErr(terr)
	}
	if res.Deduped {
		e.logger.Trace(diag.Event{
			EventName:  "qq_task_deduped",
			Route:      in.Route,
			MsgID:      in.MsgID,
			DispatchID: dispatchID,
			Source:     in.Source,
		})
	}
	return nil, false
}

func isTimeoutErr(err error) bool {
	return err != nil && (errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout"))
}

// mergeCancel returns a context derived from a that is also cancelled when
// b is (the task runtime cap and the dispatch abort both unwind the run).
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func summarize(text string, mediaItems int) string {
	r := []rune(text)
	if len(r) > 120 {
		r = r[:120]
	}
	return fmt.Sprintf("text:%s|media:%d", string(r), mediaItems)
}

func (e *Engine) agentIDFor(route string) string {
	return routing.ResidentAgentID(route, e.acct.OwnerUserID)
}

// maybeFallback sends the bounded fallback message iff this dispatch
// delivered nothing, at least one drop was fallback-eligible, and the
// per-route cooldown elapsed.
func (e *Engine) maybeFallback(ctx context.Context, in *Inbound, dispatchID string, timedOut bool, delivered int, drops []store.ErrCode) {
	if !e.acct.OutboundFallbackOnDrop || delivered > 0 {
		return
	}
	eligible := timedOut
	for _, code := range drops {
		if store.FallbackEligible(code) {
			eligible = true
			break
		}
	}
	if !eligible {
		return
	}

	e.mu.Lock()
	last := e.lastFallback[in.Route]
	cool := e.acct.OutboundFallbackCooldown()
	if time.Since(last) < cool {
		e.mu.Unlock()
		return
	}
	e.lastFallback[in.Route] = time.Now()
	e.mu.Unlock()

	e.logger.Trace(diag.Event{
		EventName:  "qq_dispatch_fallback",
		Route:      in.Route,
		MsgID:      in.MsgID,
		DispatchID: dispatchID,
		Source:     in.Source,
	})
	e.deliver.Deliver(ctx, in.Route, dispatchID, normalize.ReplyPayload{Text: fallbackText}, in.Source)
}

// drainPending consumes the route's pending-latest entry after a dispatch
// ends and re-enters the engine with it. An entry newer than every known
// sequence is left in place (it belongs to a push still in its window).
func (e *Engine) drainPending(ctx context.Context, in *Inbound) {
	latest := e.agg.LatestSeq(in.Route)
	if latest < in.Seq {
		latest = in.Seq
	}
	p, ok := e.routes.TakePendingLatestIfSeqLE(in.Route, latest)
	if !ok {
		return
	}
	if p.InboundSeq <= in.Seq {
		// Already covered by the dispatch that just ran.
		e.logger.Trace(diag.Event{
			EventName:  "qq_pending_stale",
			Route:      in.Route,
			MsgID:      p.MsgID,
			Source:     in.Source,
			DropReason: string(store.ErrQueuedSupersededByNewer),
		})
		return
	}
	next := &Inbound{
		Route:  in.Route,
		MsgID:  p.MsgID,
		Seq:    p.InboundSeq,
		Source: in.Source,
	}
	if p.HasInboundMediaLike {
		next.MediaItemsTotal = 1
	}
	go func() {
		if err := e.HandleInbound(ctx, next); err != nil {
			e.logger.Trace(diag.Event{EventName: "qq_pending_drain_failed", Route: in.Route, Error: err.Error()})
		}
	}()
}

// RunAgentTurn drives one agent turn outside the inbound path, for the
// automation scheduler and the proactive nudge. It shares the full dispatch
// lifecycle, so route isolation and dispatch uniqueness hold for scheduled
// turns too.
func (e *Engine) RunAgentTurn(ctx context.Context, route, prompt, source string) error {
	seq := e.agg.LatestSeq(route)
	in := &Inbound{
		Route:  route,
		MsgID:  fmt.Sprintf("auto-%d", time.Now().UnixMilli()),
		Seq:    seq,
		Text:   prompt,
		Source: source,
	}
	return e.runDispatch(ctx, in)
}
