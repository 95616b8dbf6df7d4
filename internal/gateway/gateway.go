// Package gateway wires one account's components together: the protocol
// client, inbound filtering and media pipeline, the aggregator, the
// dispatch engine, the delivery pipeline, and the schedulers. It owns the
// process-wide shared maps behind one state object.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/aggregate"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/automation"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/delivery"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/dispatch"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/media"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/normalize"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/nudge"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/policy"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/protocol"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/relay"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routestate"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routing"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/tasks"
	"github.com/xingyingyuzhui/openclaw-QQ/pkg/onebot"
)

const (
	processedMsgCap    = 1000
	memberNameTTL      = time.Hour
	ensureAgentMinGap  = time.Minute
)

// Gateway is the per-account composition root.
type Gateway struct {
	accountID string
	cfg       *config.Config
	acct      *config.Account
	slog      *slog.Logger

	client       *protocol.Client
	layout       *store.Layout
	routes       *store.RouteStore
	routeCtx     *routestate.Context
	fileLock     *routestate.FileTaskLock
	activity     *routestate.Activity
	logger       *diag.Logger
	checks       *policy.Checker
	queue        *delivery.Queue
	textSender   *delivery.TextSender
	mediaSender  *delivery.MediaSender
	resolver     *media.Resolver
	materializer *media.Materializer
	agg          *aggregate.Aggregator
	taskRunner   *tasks.Runner
	engine       *dispatch.Engine
	sched        *automation.Scheduler
	nudger       *nudge.Nudger
	relaySrv     *relay.Server

	processedMu sync.Mutex
	processed   map[string]bool

	memberMu    sync.Mutex
	memberNames map[string]memberEntry

	ensureMu   sync.Mutex
	lastEnsure map[string]time.Time
}

type memberEntry struct {
	name string
	at   time.Time
}

// New builds the full component graph for one account. agentRunner is the
// opaque agent runtime collaborator.
func New(accountID string, cfg *config.Config, acct *config.Account, agentRunner dispatch.AgentRunner, slogger *slog.Logger) *Gateway {
	if slogger == nil {
		slogger = slog.Default()
	}
	workspace := cfg.WorkspacePath()
	layout := store.NewLayout(workspace)
	logger := diag.New(layout, slogger)
	routes := store.NewRouteStore(layout, acct.OwnerUserID)
	checks := policy.NewChecker(routes)
	client := protocol.New(acct.WSURL, acct.AccessToken, slogger)
	queue := delivery.NewQueue(acct, client, logger)

	relayRoots := append([]string{workspace}, acct.MediaPathAllowlist...)
	if acct.VoiceBasePath != "" {
		relayRoots = append(relayRoots, acct.VoiceBasePath)
	}
	relaySrv := relay.New(acct, relayRoots, slogger)

	g := &Gateway{
		accountID:   accountID,
		cfg:         cfg,
		acct:        acct,
		slog:        slogger,
		client:      client,
		layout:      layout,
		routes:      routes,
		routeCtx:    routestate.New(),
		fileLock:    routestate.NewFileTaskLock(),
		activity:    routestate.NewActivity(),
		logger:      logger,
		checks:      checks,
		queue:       queue,
		agg:         aggregate.New(),
		relaySrv:    relaySrv,
		processed:   make(map[string]bool),
		memberNames: make(map[string]memberEntry),
		lastEnsure:  make(map[string]time.Time),
	}

	g.textSender = delivery.NewTextSender(acct, queue, client, checks, routes, logger)
	g.mediaSender = delivery.NewMediaSender(acct, queue, client, checks, routes, layout, logger, relaySrv, workspace)
	g.resolver = media.NewResolver(client, acct, logger)
	g.materializer = media.NewMaterializer(layout, acct, logger, g.streamFetch)
	g.taskRunner = tasks.NewRunner(acct, layout, logger)
	g.engine = dispatch.NewEngine(acct, g.routeCtx, g.fileLock, g.agg, checks, agentRunner, g, g.taskRunner, routes, g.activity, logger)
	g.sched = automation.NewScheduler(&cfg.Automation, acct, layout, routes, g.activity, g.engine, logger, slogger)
	g.nudger = nudge.New(acct, layout, g.activity, checks, g.engine, logger, slogger)
	return g
}

// Engine exposes the dispatch engine, mainly for the admin surface and
// tests.
func (g *Gateway) Engine() *dispatch.Engine { return g.engine }

// Scheduler exposes the automation scheduler so config hot reloads can swap
// its target list.
func (g *Gateway) Scheduler() *automation.Scheduler { return g.sched }

// Run starts every loop and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.client.Start(ctx)
	defer g.client.Stop()
	g.relaySrv.Start()
	defer g.relaySrv.Close()

	go g.queue.Run(ctx)
	go g.sched.Run(ctx)
	go g.nudger.Run(ctx)

	g.slog.Info("gateway running", "account", g.accountID, "ws", g.acct.WSURL)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-g.client.Events():
			if !ok {
				return nil
			}
			go g.handleEvent(ctx, ev)
		}
	}
}

// streamFetch pulls a stream:// candidate's bytes through the protocol's
// file actions.
func (g *Gateway) streamFetch(ctx context.Context, streamID string) ([]byte, error) {
	resp, err := g.client.SendAction(ctx, onebot.ActionGetFile, onebot.FileRefParams{File: streamID})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("gateway: get_file for stream %s: %s", streamID, resp.Msg)
	}
	var gd onebot.GetImageData
	if err := json.Unmarshal(resp.Data, &gd); err != nil {
		return nil, err
	}
	if gd.Base64 == "" {
		return nil, fmt.Errorf("gateway: stream %s returned no inline payload", streamID)
	}
	return base64.StdEncoding.DecodeString(gd.Base64)
}

// handleEvent filters and routes one inbound event.
func (g *Gateway) handleEvent(ctx context.Context, ev *onebot.Event) {
	if ev.PostType != onebot.PostTypeMessage {
		return
	}
	if self := g.client.SelfID(); self != 0 && ev.UserID == self {
		return
	}

	route, ok := g.routeFor(ev)
	if !ok {
		return
	}
	if g.isBlocked(ev) || !g.groupAllowed(ev) {
		return
	}
	if g.acct.EnableDeduplication && ev.MessageID != 0 && g.alreadyProcessed(ev.MessageID) {
		return
	}

	segs, err := ev.DecodeMessage()
	if err != nil {
		g.slog.Warn("undecodable inbound message", "route", route, "err", err)
		return
	}

	text, mentioned := extractText(segs, g.client.SelfID())
	if ev.MessageType == onebot.MessageTypeGroup && !g.groupTriggered(text, mentioned) {
		return
	}

	msgID := strconv.FormatInt(ev.MessageID, 10)
	now := time.Now()
	g.activity.RecordInbound(route, now)
	g.nudger.NoteInbound(route, now)
	g.ensureAgent(route)

	g.logger.Trace(diag.Event{
		EventName: "qq_inbound_received",
		Route:     route,
		MsgID:     msgID,
		Source:    diag.SourceInbound,
	})
	g.logger.Chat(route, "in", g.inboundSummary(ctx, ev, text))

	frag := aggregate.Fragment{MsgID: msgID, Text: text}
	refs := g.resolver.CollectRefs(route, msgID, segs)
	if len(refs) > 0 {
		g.fileLock.Acquire(route, g.acct.FileTaskLock())
		g.resolver.Resolve(ctx, route, msgID, refs)
		g.resolver.FallbackGetMsg(ctx, route, msgID, ev.MessageID, refs)
		results := g.materializer.MaterializeAll(ctx, route, msgID, refs)
		frag.Stats.ItemsTotal = len(refs)
		for _, r := range results {
			if r.Materialized {
				frag.Stats.ItemsMaterialized++
				frag.MediaURLs = append(frag.MediaURLs, trimFileScheme(r.OutputURL))
			} else {
				frag.Stats.ItemsUnresolved++
			}
		}
	}

	window := g.acct.AggregateWindow(ev.MessageType == onebot.MessageTypePrivate)
	fin := g.agg.Push(ctx, route, frag, window)
	if fin == nil {
		return // a newer fragment owns this window
	}

	in := &dispatch.Inbound{
		Route:                  fin.Route,
		MsgID:                  fin.MsgID,
		Seq:                    fin.Seq,
		Text:                   withMediaManifest(fin.Text, fin.Stats),
		MediaPaths:             fin.MediaURLs,
		MediaItemsTotal:        fin.Stats.ItemsTotal,
		MediaItemsMaterialized: fin.Stats.ItemsMaterialized,
		MediaItemsUnresolved:   fin.Stats.ItemsUnresolved,
		Source:                 diag.SourceChat,
	}
	if err := g.engine.HandleInbound(ctx, in); err != nil {
		g.slog.Warn("dispatch failed", "route", route, "err", err)
	}
}

// Deliver implements dispatch.Deliverer over the delivery pipeline.
func (g *Gateway) Deliver(ctx context.Context, route, dispatchID string, p normalize.ReplyPayload, source string) dispatch.DeliveryOutcome {
	var out dispatch.DeliveryOutcome

	norm, guardDrops := normalize.Normalize(p, normalize.Options{
		MaxMessageLength: g.acct.MaxMsgLength(),
		AntiRisk:         g.acct.AntiRiskMode,
		StrictAbortGuard: g.acct.OutboundAbortPatternStrict,
	})
	for _, code := range guardDrops {
		out.Drops = append(out.Drops, code)
		g.logger.Trace(diag.Event{
			EventName:  "qq_outbound_guarded",
			Route:      route,
			DispatchID: dispatchID,
			Source:     source,
			DropReason: string(code),
		})
	}

	preflight := g.preflightFor(route, dispatchID)

	for _, chunk := range norm.Chunks {
		err := g.textSender.Send(ctx, route, dispatchID, chunk, preflight)
		if err == nil {
			out.DeliveredUnits++
			g.activity.RecordOutbound(route, time.Now())
			continue
		}
		if code, dropped := delivery.DropCode(err); dropped {
			out.Drops = append(out.Drops, code)
		} else {
			out.Drops = append(out.Drops, store.ErrUnknown)
		}
	}

	for _, item := range norm.Media {
		err := g.mediaSender.Send(ctx, route, dispatchID, item.Source, item.Kind, preflight)
		if err == nil {
			out.DeliveredUnits++
			g.activity.RecordOutbound(route, time.Now())
			continue
		}
		if code, dropped := delivery.DropCode(err); dropped {
			out.Drops = append(out.Drops, code)
		} else {
			out.Drops = append(out.Drops, store.ErrUnknown)
		}
	}
	return out
}

// preflightFor gates queued sends against the route's current in-flight:
// a send from a preempted dispatch drops, a send after a clean clear flows.
func (g *Gateway) preflightFor(route, dispatchID string) func() error {
	return func() error {
		if cur, ok := g.routeCtx.CurrentInFlight(route); ok && cur.DispatchID != dispatchID {
			return delivery.Drop(store.ErrDispatchIDMismatch)
		}
		return nil
	}
}

func (g *Gateway) routeFor(ev *onebot.Event) (string, bool) {
	switch ev.MessageType {
	case onebot.MessageTypePrivate:
		return routing.NormalizeTarget(strconv.FormatInt(ev.UserID, 10)), true
	case onebot.MessageTypeGroup:
		r := "group:" + strconv.FormatInt(ev.GroupID, 10)
		return r, routing.IsValidQQRoute(r)
	case onebot.MessageTypeGuild:
		if !g.acct.EnableGuilds {
			return "", false
		}
		r := fmt.Sprintf("guild:%s:%s", ev.GuildID, ev.ChannelID)
		return r, routing.IsValidQQRoute(r)
	default:
		return "", false
	}
}

func (g *Gateway) isBlocked(ev *onebot.Event) bool {
	uid := strconv.FormatInt(ev.UserID, 10)
	for _, b := range g.acct.BlockedUsers {
		if b == uid {
			return true
		}
	}
	return false
}

func (g *Gateway) groupAllowed(ev *onebot.Event) bool {
	if ev.MessageType != onebot.MessageTypeGroup || len(g.acct.AllowedGroups) == 0 {
		return true
	}
	gid := strconv.FormatInt(ev.GroupID, 10)
	for _, a := range g.acct.AllowedGroups {
		if a == gid {
			return true
		}
	}
	return false
}

// groupTriggered applies requireMention and keywordTriggers to group text.
func (g *Gateway) groupTriggered(text string, mentioned bool) bool {
	if !g.acct.RequireMention {
		return true
	}
	if mentioned {
		return true
	}
	for _, kw := range g.acct.KeywordTriggers {
		if kw != "" && containsFold(text, kw) {
			return true
		}
	}
	return false
}

func (g *Gateway) alreadyProcessed(messageID int64) bool {
	key := g.accountID + ":" + strconv.FormatInt(messageID, 10)
	g.processedMu.Lock()
	defer g.processedMu.Unlock()
	if g.processed[key] {
		return true
	}
	if len(g.processed) >= processedMsgCap {
		g.processed = make(map[string]bool, processedMsgCap)
	}
	g.processed[key] = true
	return false
}

// ensureAgent creates the route's metadata record, rate-limited to one
// attempt per agent-id per minute.
func (g *Gateway) ensureAgent(route string) {
	agentID := routing.ResidentAgentID(route, g.acct.OwnerUserID)
	if agentID == "" {
		return
	}
	g.ensureMu.Lock()
	if time.Since(g.lastEnsure[agentID]) < ensureAgentMinGap {
		g.ensureMu.Unlock()
		return
	}
	g.lastEnsure[agentID] = time.Now()
	g.ensureMu.Unlock()

	if _, err := g.routes.GetOrCreateMeta(route, agentID, g.routes.IsOwnerRoute(route)); err != nil {
		g.slog.Warn("ensure agent failed", "route", route, "err", err)
	}
}

// inboundSummary renders the chat-log line for an inbound, resolving the
// group member's display name through the 1-hour cache.
func (g *Gateway) inboundSummary(ctx context.Context, ev *onebot.Event, text string) string {
	name := ""
	if ev.Sender != nil {
		name = ev.Sender.Card
		if name == "" {
			name = ev.Sender.Nickname
		}
	}
	if name == "" && ev.MessageType == onebot.MessageTypeGroup {
		name = g.memberName(ctx, ev.GroupID, ev.UserID)
	}
	if name == "" {
		name = strconv.FormatInt(ev.UserID, 10)
	}
	if text == "" {
		text = "[media]"
	}
	return name + ": " + text
}

func (g *Gateway) memberName(ctx context.Context, groupID, userID int64) string {
	key := fmt.Sprintf("%d:%d", groupID, userID)
	g.memberMu.Lock()
	if e, ok := g.memberNames[key]; ok && time.Since(e.at) < memberNameTTL {
		g.memberMu.Unlock()
		return e.name
	}
	g.memberMu.Unlock()

	resp, err := g.client.SendAction(ctx, onebot.ActionGetGroupMemberInfo, map[string]int64{
		"group_id": groupID,
		"user_id":  userID,
	})
	if err != nil || !resp.OK() {
		g.logger.Trace(diag.Event{
			EventName:  "qq_member_lookup_failed",
			Route:      "group:" + strconv.FormatInt(groupID, 10),
			DropReason: string(store.ErrGroupMemberLookupFailed),
		})
		return ""
	}
	var info struct {
		Card     string `json:"card"`
		Nickname string `json:"nickname"`
	}
	if json.Unmarshal(resp.Data, &info) != nil {
		return ""
	}
	name := info.Card
	if name == "" {
		name = info.Nickname
	}
	g.memberMu.Lock()
	g.memberNames[key] = memberEntry{name: name, at: time.Now()}
	g.memberMu.Unlock()
	return name
}

// extractText joins text segments and reports whether the bot was
// at-mentioned.
func extractText(segs []onebot.Segment, selfID int64) (string, bool) {
	var parts []string
	mentioned := false
	for _, seg := range segs {
		d, err := seg.ParseData()
		if err != nil {
			continue
		}
		switch seg.Type {
		case onebot.SegText:
			if d.Text != "" {
				parts = append(parts, d.Text)
			}
		case onebot.SegAt:
			if selfID != 0 && d.QQ == strconv.FormatInt(selfID, 10) {
				mentioned = true
			}
		}
	}
	return joinTrim(parts), mentioned
}

func trimFileScheme(u string) string {
	return strings.TrimPrefix(u, "file://")
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func joinTrim(parts []string) string {
	return strings.TrimSpace(strings.Join(parts, ""))
}

// withMediaManifest appends the inbound media system tag when the message
// carried media, so the agent sees what did and did not materialize.
func withMediaManifest(text string, stats aggregate.MediaStats) string {
	if stats.ItemsTotal == 0 {
		return text
	}
	tag := fmt.Sprintf("<inbound_media_manifest items=%d materialized=%d unresolved=%d/>",
		stats.ItemsTotal, stats.ItemsMaterialized, stats.ItemsUnresolved)
	if text == "" {
		return tag
	}
	return text + "\n" + tag
}
