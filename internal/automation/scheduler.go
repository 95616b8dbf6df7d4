// Package automation implements the automation scheduler: a periodic
// reconcile over configured targets, cron/every/at due matching, the smart
// silence throttle, and durable per-target state under the route's meta
// directory.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routestate"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routing"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

// Skip reasons of the smart throttle.
const (
	SkipNoInboundYet       = "no_inbound_yet"
	SkipSilenceNotReached  = "silence_not_reached"
	SkipActiveConversation = "active_conversation"
	SkipIntervalNotReached = "interval_not_reached"
)

// Run results persisted per target.
const (
	ResultTriggered = "triggered"
	ResultSkipped   = "skipped"
	ResultError     = "error"
)

// Smart throttle defaults (minutes).
const (
	defaultMinSilenceMinutes  = 30
	defaultActiveConvMinutes  = 25
	defaultRandomIntervalMin  = 60
	defaultRandomIntervalMax  = 180
)

// TurnRunner triggers one agent turn for a route; the dispatch engine
// implements it.
type TurnRunner interface {
	RunAgentTurn(ctx context.Context, route, prompt, source string) error
}

// targetState is the in-memory mirror of one target's durable state.
type targetState struct {
	store.AutomationState
	cronBuckets map[string]bool // YYYYMMDDHHMM keys already fired
	atDone      bool
	intervalMin time.Duration // resolved random interval, re-rolled per send
}

// Scheduler reconciles automation targets on a timer.
type Scheduler struct {
	cfg      *config.Automation
	acct     *config.Account
	layout   *store.Layout
	routes   *store.RouteStore
	activity *routestate.Activity
	runner   TurnRunner
	logger   *diag.Logger
	slog     *slog.Logger
	gron     *gronx.Gronx

	mu      sync.Mutex
	states  map[string]*targetState // target id → state
	targets []config.Target
}

// NewScheduler returns an unstarted Scheduler.
func NewScheduler(cfg *config.Automation, acct *config.Account, layout *store.Layout, routes *store.RouteStore, activity *routestate.Activity, runner TurnRunner, logger *diag.Logger, slogger *slog.Logger) *Scheduler {
	if slogger == nil {
		slogger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		acct:     acct,
		layout:   layout,
		routes:   routes,
		activity: activity,
		runner:   runner,
		logger:   logger,
		slog:     slogger,
		gron:     gronx.New(),
		states:   make(map[string]*targetState),
		targets:  append([]config.Target(nil), cfg.Targets...),
	}
}

// UpdateTargets swaps the target list, e.g. after a config hot reload.
// Per-target state is keyed by id and survives the swap.
func (s *Scheduler) UpdateTargets(targets []config.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append([]config.Target(nil), targets...)
}

func (s *Scheduler) snapshotTargets() []config.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]config.Target(nil), s.targets...)
}

// Run reconciles until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	if s.cfg.ReconcileOnStartup {
		s.ReconcileOnce(ctx, time.Now())
	}
	ticker := time.NewTicker(s.cfg.ReconcileInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReconcileOnce(ctx, time.Now())
		}
	}
}

// ReconcileOnce evaluates every target against now.
func (s *Scheduler) ReconcileOnce(ctx context.Context, now time.Time) {
	targets := s.snapshotTargets()
	for i := range targets {
		t := &targets[i]
		if err := s.reconcileTarget(ctx, t, now); err != nil {
			s.slog.Warn("automation target reconcile failed", "target", t.ID, "err", err)
		}
	}
}

func (s *Scheduler) reconcileTarget(ctx context.Context, t *config.Target, now time.Time) error {
	if !t.IsEnabled() {
		return nil
	}
	route := routing.NormalizeTarget(t.Route)
	if !routing.IsValidQQRoute(route) {
		return fmt.Errorf("automation: target %s: invalid route %q", t.ID, t.Route)
	}
	if s.cfg.StrictAgentOnly && t.ExecutionMode != "" && t.ExecutionMode != store.OrchestrationAgentOnly {
		return fmt.Errorf("automation: target %s: executionMode %q not allowed under strictAgentOnly", t.ID, t.ExecutionMode)
	}

	// Auto-register the route's resident agent if this target fires before
	// any inbound ever created the route.
	agentID := routing.ResidentAgentID(route, s.acct.OwnerUserID)
	if _, err := s.routes.GetOrCreateMeta(route, agentID, s.routes.IsOwnerRoute(route)); err != nil {
		// Persist the failure but let future reconciles retry; the failure
		// branch fully short-circuits this round.
		st := s.state(t.ID)
		st.LastRunResult = ResultError
		st.LastError = err.Error()
		s.persist(t, route, st, false, false, false, "ensure_register_failed")
		return err
	}

	st := s.state(t.ID)

	due, bucket := s.isDue(t, st, now)
	if !due {
		return nil
	}

	if t.Job.Smart != nil && t.Job.Smart.Enabled {
		if reason := s.smartSkip(t, st, route, now); reason != "" {
			st.LastRunResult = ResultSkipped
			st.LastSkipReason = reason
			st.LastTriggeredAtMs = now.UnixMilli()
			s.markFired(st, bucket)
			s.persist(t, route, st, true, false, true, "skip:"+reason)
			s.logger.Trace(diag.Event{
				EventName:  "qq_automation_skipped",
				Route:      route,
				Source:     diag.SourceAutomation,
				DropReason: reason,
			})
			return nil
		}
	}

	st.LastTriggeredAtMs = now.UnixMilli()
	s.markFired(st, bucket)

	prompt := t.Job.Message
	if max := smartMaxChars(t.Job.Smart); max > 0 {
		prompt = fmt.Sprintf("%s\n(请控制在%d字以内)", prompt, max)
	}

	err := s.runner.RunAgentTurn(ctx, route, prompt, diag.SourceAutomation)
	if err != nil {
		st.LastRunResult = ResultError
		st.LastError = err.Error()
		s.persist(t, route, st, true, false, false, "error:"+err.Error())
		return err
	}

	st.LastRunResult = ResultTriggered
	st.LastSkipReason = ""
	st.LastError = ""
	st.LastSentAtMs = now.UnixMilli()
	st.intervalMin = s.rollInterval(t.Job.Smart)
	st.NextEligibleAtMs = now.Add(st.intervalMin).UnixMilli()
	s.persist(t, route, st, true, true, false, "")
	return nil
}

func (s *Scheduler) state(id string) *targetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = &targetState{cronBuckets: make(map[string]bool)}
		s.states[id] = st
	}
	return st
}

// isDue evaluates the target's schedule. bucket is non-empty for cron
// schedules and names the matched minute.
func (s *Scheduler) isDue(t *config.Target, st *targetState, now time.Time) (bool, string) {
	sched := t.Job.Schedule
	switch sched.Kind {
	case "every":
		every := time.Duration(sched.EveryMs) * time.Millisecond
		if every < time.Minute {
			every = time.Minute
		}
		if st.LastTriggeredAtMs == 0 {
			return true, ""
		}
		return now.Sub(time.UnixMilli(st.LastTriggeredAtMs)) >= every, ""
	case "at":
		if st.atDone {
			return false, ""
		}
		at, err := time.Parse(time.RFC3339, sched.At)
		if err != nil {
			return false, ""
		}
		return !now.Before(at), ""
	case "cron":
		ref := now
		if sched.TZ != "" {
			if loc, err := time.LoadLocation(sched.TZ); err == nil {
				ref = now.In(loc)
			}
		}
		ok, err := s.gron.IsDue(sched.Expr, ref)
		if err != nil || !ok {
			return false, ""
		}
		bucket := ref.Format("200601021504")
		if st.cronBuckets[bucket] {
			// Same cron-matching minute never fires twice for one target.
			return false, ""
		}
		return true, bucket
	default:
		return false, ""
	}
}

func (s *Scheduler) markFired(st *targetState, bucket string) {
	if bucket != "" {
		st.cronBuckets[bucket] = true
		if len(st.cronBuckets) > 64 {
			for k := range st.cronBuckets {
				delete(st.cronBuckets, k)
				if len(st.cronBuckets) <= 32 {
					break
				}
			}
		}
	}
	st.atDone = true
}

// smartSkip applies the no-inbound/active-conversation/silence/interval
// guards in that order and
// returns the first matching skip reason, or "".
func (s *Scheduler) smartSkip(t *config.Target, st *targetState, route string, now time.Time) string {
	smart := t.Job.Smart

	lastIn, hasIn := s.activity.LastInbound(route)
	if !hasIn {
		return SkipNoInboundYet
	}

	// The activity guard outranks the silence guard: a conversation that is
	// live right now reads as "active", not merely "not silent long enough".
	activeWindow := minutesOr(smart.ActiveConversationMinutes, defaultActiveConvMinutes)
	if lastAct, ok := s.activity.LastActivity(route); ok && now.Sub(lastAct) < activeWindow {
		return SkipActiveConversation
	}

	minSilence := minutesOr(smart.MinSilenceMinutes, defaultMinSilenceMinutes)
	if now.Sub(lastIn) < minSilence {
		return SkipSilenceNotReached
	}

	if st.LastSentAtMs > 0 {
		interval := st.intervalMin
		if interval <= 0 {
			interval = s.rollInterval(smart)
			st.intervalMin = interval
		}
		if now.Sub(time.UnixMilli(st.LastSentAtMs)) < interval {
			return SkipIntervalNotReached
		}
	}
	return ""
}

// rollInterval picks a random interval within the target's configured
// bounds.
func (s *Scheduler) rollInterval(smart *config.SmartThrottle) time.Duration {
	lo, hi := defaultRandomIntervalMin, defaultRandomIntervalMax
	if smart != nil {
		if smart.RandomIntervalMinMinutes > 0 {
			lo = smart.RandomIntervalMinMinutes
		}
		if smart.RandomIntervalMaxMinutes > 0 {
			hi = smart.RandomIntervalMaxMinutes
		}
	}
	if hi < lo {
		hi = lo
	}
	return time.Duration(lo+rand.Intn(hi-lo+1)) * time.Minute
}

func smartMaxChars(smart *config.SmartThrottle) int {
	if smart == nil || smart.MaxChars < 8 || smart.MaxChars > 200 {
		return 0
	}
	return smart.MaxChars
}

func minutesOr(m, def int) time.Duration {
	if m <= 0 {
		m = def
	}
	return time.Duration(m) * time.Minute
}

// persist writes automation-latest.json and appends one state line.
func (s *Scheduler) persist(t *config.Target, route string, st *targetState, triggered, produced, skipped bool, note string) {
	if err := store.WriteJSONAtomic(s.layout.AutomationLatestPath(route), st.AutomationState); err != nil {
		s.slog.Warn("automation state persist failed", "target", t.ID, "err", err)
	}
	line := store.AutomationStateLine{
		At:        time.Now(),
		TargetID:  t.ID,
		Route:     route,
		Triggered: triggered,
		Produced:  produced,
		Skipped:   skipped,
		Note:      note,
	}
	if err := store.AppendNDJSON(s.layout.AutomationStatePath(route), line); err != nil {
		s.slog.Warn("automation state append failed", "target", t.ID, "err", err)
	}
}
