// Package nudge implements the proactive "lonely chat" timer:
// after long silence on a private route, the gateway starts an agent
// turn that opens the conversation itself.
package nudge

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/policy"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routestate"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routing"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

// nudgePrompts are the short openers one of which is picked per nudge.
var nudgePrompts = []string{
	"好久没聊天了，主动跟对方打个招呼，随便聊点轻松的。",
	"对方很久没说话了，发一句简短的问候。",
	"想起点有趣的小事，主动分享给对方，一两句话就好。",
	"用一句话关心一下对方最近怎么样。",
}

// TurnRunner triggers one agent turn; the dispatch engine implements it.
type TurnRunner interface {
	RunAgentTurn(ctx context.Context, route, prompt, source string) error
}

// Nudger owns the per-route silence timer and its durable state.
type Nudger struct {
	acct     *config.Account
	layout   *store.Layout
	activity *routestate.Activity
	checks   *policy.Checker
	runner   TurnRunner
	logger   *diag.Logger
	slog     *slog.Logger

	mu       sync.Mutex
	hydrated map[string]bool
	state    map[string]*store.ProactiveState
}

// New returns an unstarted Nudger.
func New(acct *config.Account, layout *store.Layout, activity *routestate.Activity, checks *policy.Checker, runner TurnRunner, logger *diag.Logger, slogger *slog.Logger) *Nudger {
	if slogger == nil {
		slogger = slog.Default()
	}
	return &Nudger{
		acct:     acct,
		layout:   layout,
		activity: activity,
		checks:   checks,
		runner:   runner,
		logger:   logger,
		slog:     slogger,
		hydrated: make(map[string]bool),
		state:    make(map[string]*store.ProactiveState),
	}
}

// Run ticks until ctx is cancelled. Ticks are coarse — the silence
// thresholds are hours, so a minute of tick resolution is plenty.
func (n *Nudger) Run(ctx context.Context) {
	if !n.acct.ProactiveDmEnabled {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Tick(ctx, time.Now())
		}
	}
}

// Tick evaluates the configured route once against now.
func (n *Nudger) Tick(ctx context.Context, now time.Time) {
	route := routing.NormalizeTarget(n.acct.ProactiveDmRoute)
	if !routing.IsValidQQRoute(route) {
		return
	}
	st := n.hydrate(route)

	lastIn, hasIn := n.activity.LastInbound(route)
	if !hasIn {
		if st.LastInboundAt.IsZero() {
			// Never any inbound on this route; not ours to start.
			return
		}
		lastIn = st.LastInboundAt
	}
	if lastIn.After(st.LastInboundAt) {
		st.LastInboundAt = lastIn
	}

	if now.Sub(st.LastInboundAt) < n.acct.ProactiveDmMinSilence() {
		n.debug("silence not reached", route)
		return
	}
	if !st.LastProactiveAt.IsZero() && now.Sub(st.LastProactiveAt) < n.acct.ProactiveDmMinInterval() {
		n.debug("interval not reached", route)
		return
	}
	if err := n.checks.Check(policy.StageBeforeDispatch, route, ""); err != nil {
		n.debug("policy blocked", route)
		return
	}
	if err := n.checks.Check(policy.StageBeforeOutbound, route, policy.ActionSendText); err != nil {
		n.debug("quota blocked", route)
		return
	}

	prompt := nudgePrompts[rand.Intn(len(nudgePrompts))]
	n.logger.Trace(diag.Event{
		EventName: "qq_proactive_nudge",
		Route:     route,
		Source:    diag.SourceAutomation,
	})
	if err := n.runner.RunAgentTurn(ctx, route, prompt, diag.SourceAutomation); err != nil {
		n.slog.Warn("proactive nudge failed", "route", route, "err", err)
		return
	}

	st.LastProactiveAt = now
	n.persist(route, st)
}

// hydrate loads the durable state once per route.
func (n *Nudger) hydrate(route string) *store.ProactiveState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if st, ok := n.state[route]; ok && n.hydrated[route] {
		return st
	}
	st := &store.ProactiveState{}
	if _, err := store.ReadJSON(n.layout.ProactiveStatePath(route), st); err != nil {
		n.slog.Warn("proactive state load failed", "route", route, "err", err)
	}
	n.state[route] = st
	n.hydrated[route] = true
	return st
}

func (n *Nudger) persist(route string, st *store.ProactiveState) {
	if err := store.WriteJSONAtomic(n.layout.ProactiveStatePath(route), st); err != nil {
		n.slog.Warn("proactive state persist failed", "route", route, "err", err)
	}
}

func (n *Nudger) debug(msg, route string) {
	if n.acct.ProactiveDmLogVerbose {
		n.slog.Debug("proactive nudge skip: "+msg, "route", route)
	}
}

// NoteInbound updates the durable last-inbound mark; the gateway calls it
// from the inbound path so state survives restarts.
func (n *Nudger) NoteInbound(route string, t time.Time) {
	if !n.acct.ProactiveDmEnabled {
		return
	}
	want := routing.NormalizeTarget(n.acct.ProactiveDmRoute)
	if route != want {
		return
	}
	st := n.hydrate(route)
	n.mu.Lock()
	if t.After(st.LastInboundAt) {
		st.LastInboundAt = t
	}
	n.mu.Unlock()
	n.persist(route, st)
}
