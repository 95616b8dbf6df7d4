package automation

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routestate"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

type fakeTurnRunner struct {
	mu   sync.Mutex
	runs []string // routes
	err  error
}

func (f *fakeTurnRunner) RunAgentTurn(ctx context.Context, route, prompt, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, route)
	return f.err
}

func (f *fakeTurnRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type schedFixture struct {
	sched    *Scheduler
	runner   *fakeTurnRunner
	activity *routestate.Activity
	layout   *store.Layout
}

func newSchedFixture(t *testing.T, targets []config.Target) *schedFixture {
	t.Helper()
	acct := config.DefaultAccount()
	auto := &config.Automation{Enabled: true, StrictAgentOnly: true, Targets: targets}
	layout := store.NewLayout(t.TempDir())
	logger := diag.New(layout, nil)
	routes := store.NewRouteStore(layout, "")
	activity := routestate.NewActivity()
	runner := &fakeTurnRunner{}
	sched := NewScheduler(auto, &acct, layout, routes, activity, runner, logger, nil)
	return &schedFixture{sched: sched, runner: runner, activity: activity, layout: layout}
}

func cronTarget(id, route, expr, tz string, smart *config.SmartThrottle) config.Target {
	return config.Target{
		ID:    id,
		Route: route,
		Job: config.Job{
			Type:     "cron-agent-turn",
			Schedule: config.Schedule{Kind: "cron", Expr: expr, TZ: tz},
			Message:  "say hi",
			Smart:    smart,
		},
	}
}

func readStateLines(t *testing.T, layout *store.Layout, route string) []store.AutomationStateLine {
	t.Helper()
	f, err := os.Open(layout.AutomationStatePath(route))
	require.NoError(t, err)
	defer f.Close()
	var lines []store.AutomationStateLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l store.AutomationStateLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	return lines
}

func shanghaiTime(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return time.Date(2025, 6, 2, hour, min, 0, 0, loc)
}

func TestCronDueTriggersAgentTurn(t *testing.T) {
	f := newSchedFixture(t, []config.Target{
		cronTarget("t1", "user:10001", "*/30 9-22 * * *", "Asia/Shanghai", nil),
	})
	f.sched.ReconcileOnce(context.Background(), shanghaiTime(t, 10, 0))
	require.Equal(t, 1, f.runner.count())

	lines := readStateLines(t, f.layout, "user:10001")
	last := lines[len(lines)-1]
	require.True(t, last.Triggered)
	require.True(t, last.Produced)
	require.False(t, last.Skipped)
}

func TestCronBucketPreventsDoubleFire(t *testing.T) {
	f := newSchedFixture(t, []config.Target{
		cronTarget("t1", "user:10001", "*/30 9-22 * * *", "Asia/Shanghai", nil),
	})
	now := shanghaiTime(t, 10, 0)
	f.sched.ReconcileOnce(context.Background(), now)
	f.sched.ReconcileOnce(context.Background(), now.Add(20*time.Second))
	require.Equal(t, 1, f.runner.count(), "same cron minute must not fire twice")

	f.sched.ReconcileOnce(context.Background(), now.Add(30*time.Minute))
	require.Equal(t, 2, f.runner.count())
}

func TestSmartThrottleActiveConversation(t *testing.T) {
	smart := &config.SmartThrottle{Enabled: true, MinSilenceMinutes: 30, ActiveConversationMinutes: 25}
	f := newSchedFixture(t, []config.Target{
		cronTarget("t1", "user:10001", "*/30 9-22 * * *", "Asia/Shanghai", smart),
	})
	now := shanghaiTime(t, 10, 0)
	// Last inbound 5 minutes ago: silence not reached yet.
	f.activity.RecordInbound("user:10001", now.Add(-5*time.Minute))

	f.sched.ReconcileOnce(context.Background(), now)
	require.Equal(t, 0, f.runner.count(), "smart guard must skip")

	lines := readStateLines(t, f.layout, "user:10001")
	last := lines[len(lines)-1]
	require.True(t, last.Triggered)
	require.False(t, last.Produced)
	require.True(t, last.Skipped)
	require.Equal(t, "skip:"+SkipActiveConversation, last.Note)

	var latest store.AutomationState
	ok, err := store.ReadJSON(f.layout.AutomationLatestPath("user:10001"), &latest)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ResultSkipped, latest.LastRunResult)
	require.Equal(t, SkipActiveConversation, latest.LastSkipReason)
}

func TestSmartThrottleSkipReasonsInOrder(t *testing.T) {
	smart := &config.SmartThrottle{Enabled: true, MinSilenceMinutes: 30, ActiveConversationMinutes: 25}
	f := newSchedFixture(t, []config.Target{
		cronTarget("t1", "user:10001", "* * * * *", "", smart),
	})
	now := time.Now().Truncate(time.Minute)

	// No inbound ever.
	f.sched.ReconcileOnce(context.Background(), now)
	lines := readStateLines(t, f.layout, "user:10001")
	require.Equal(t, "skip:"+SkipNoInboundYet, lines[len(lines)-1].Note)

	// Inbound silence reached but an outbound keeps the conversation active.
	f.activity.RecordInbound("user:10001", now.Add(-40*time.Minute))
	f.activity.RecordOutbound("user:10001", now.Add(-10*time.Minute))
	f.sched.ReconcileOnce(context.Background(), now.Add(time.Minute))
	lines = readStateLines(t, f.layout, "user:10001")
	require.Equal(t, "skip:"+SkipActiveConversation, lines[len(lines)-1].Note)

	// Quiet both ways but inbound silence below the threshold.
	f2 := newSchedFixture(t, []config.Target{
		cronTarget("t2", "user:10002", "* * * * *", "", smart),
	})
	f2.activity.RecordInbound("user:10002", now.Add(-27*time.Minute))
	f2.sched.ReconcileOnce(context.Background(), now)
	lines = readStateLines(t, f2.layout, "user:10002")
	require.Equal(t, "skip:"+SkipSilenceNotReached, lines[len(lines)-1].Note)

	require.Equal(t, 0, f.runner.count())
	require.Equal(t, 0, f2.runner.count())
}

func TestEverySchedule(t *testing.T) {
	f := newSchedFixture(t, []config.Target{{
		ID:    "e1",
		Route: "user:10001",
		Job: config.Job{
			Type:     "cron-agent-turn",
			Schedule: config.Schedule{Kind: "every", EveryMs: 5 * 60 * 1000},
			Message:  "ping",
		},
	}})
	now := time.Now()
	f.sched.ReconcileOnce(context.Background(), now)
	require.Equal(t, 1, f.runner.count(), "first reconcile fires immediately")

	f.sched.ReconcileOnce(context.Background(), now.Add(time.Minute))
	require.Equal(t, 1, f.runner.count(), "interval not elapsed")

	f.sched.ReconcileOnce(context.Background(), now.Add(6*time.Minute))
	require.Equal(t, 2, f.runner.count())
}

func TestAtScheduleFiresOnce(t *testing.T) {
	at := time.Now().Add(-time.Minute).Format(time.RFC3339)
	f := newSchedFixture(t, []config.Target{{
		ID:    "a1",
		Route: "user:10001",
		Job: config.Job{
			Type:     "cron-agent-turn",
			Schedule: config.Schedule{Kind: "at", At: at},
			Message:  "once",
		},
	}})
	f.sched.ReconcileOnce(context.Background(), time.Now())
	f.sched.ReconcileOnce(context.Background(), time.Now().Add(time.Minute))
	require.Equal(t, 1, f.runner.count())
}

func TestInvalidRouteRejected(t *testing.T) {
	f := newSchedFixture(t, []config.Target{
		cronTarget("bad", "group:12", "* * * * *", "", nil), // too-short id
	})
	f.sched.ReconcileOnce(context.Background(), time.Now())
	require.Equal(t, 0, f.runner.count())
}
