package tasks

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

func newTestRunner(t *testing.T, mutate func(*config.Account)) (*Runner, *store.Layout) {
	t.Helper()
	acct := config.DefaultAccount()
	if mutate != nil {
		mutate(&acct)
	}
	layout := store.NewLayout(t.TempDir())
	return NewRunner(&acct, layout, diag.New(layout, nil)), layout
}

func readLifecycle(t *testing.T, layout *store.Layout, route string) []store.TaskRecord {
	t.Helper()
	f, err := os.Open(layout.TaskLifecyclePath(route))
	require.NoError(t, err)
	defer f.Close()
	var recs []store.TaskRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r store.TaskRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		recs = append(recs, r)
	}
	return recs
}

func TestScheduleSucceedsAndPersistsLifecycle(t *testing.T) {
	r, layout := newTestRunner(t, nil)
	route := "user:1001"

	res, err := r.Schedule(context.Background(), Request{
		Route:          route,
		MsgID:          "777",
		TaskKind:       "agent-turn",
		PayloadSummary: "p",
		Body: func(context.Context) (string, error) {
			return "ok", nil
		},
	})
	require.NoError(t, err)
	require.False(t, res.Deduped)
	require.Equal(t, "ok", res.ResultSummary)

	recs := readLifecycle(t, layout, route)
	statuses := []string{}
	for _, rec := range recs {
		statuses = append(statuses, rec.Status)
	}
	require.Equal(t, []string{store.TaskQueued, store.TaskRunning, store.TaskSucceeded}, statuses)
}

func TestIdempotentReplaySkipped(t *testing.T) {
	r, layout := newTestRunner(t, nil)
	route := "user:1001"
	runs := 0
	req := Request{
		Route:          route,
		MsgID:          "777",
		TaskKind:       "agent-turn",
		PayloadSummary: "same-payload",
		Body: func(context.Context) (string, error) {
			runs++
			return "done", nil
		},
	}

	first, err := r.Schedule(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Deduped)

	second, err := r.Schedule(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Deduped)
	require.Equal(t, first.TaskKey, second.TaskKey)
	require.Equal(t, 1, runs, "exactly one task body runs")

	recs := readLifecycle(t, layout, route)
	last := recs[len(recs)-1]
	require.Equal(t, "idempotent_replay_skipped", last.ErrorReason)
}

func TestRetriesThenFails(t *testing.T) {
	var failedStatus string
	r, _ := newTestRunner(t, func(a *config.Account) {
		n := 2
		a.TaskMaxRetries = &n
	})
	attempts := 0
	_, err := r.Schedule(context.Background(), Request{
		Route:          "user:1001",
		MsgID:          "1",
		TaskKind:       "agent-turn",
		PayloadSummary: "p",
		Body: func(context.Context) (string, error) {
			attempts++
			return "", errors.New("boom")
		},
		OnFailed: func(err error, status string) { failedStatus = status },
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts, "initial try plus two retries")
	require.Equal(t, store.TaskFailed, failedStatus)
}

func TestRunOnceTimeoutCancelsBody(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	cancelled := make(chan struct{})
	_, err, timedOut := r.runOnce(context.Background(), func(ctx context.Context) (string, error) {
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	}, 30*time.Millisecond)
	require.Error(t, err)
	require.True(t, timedOut)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("body never observed cancellation")
	}
	require.Contains(t, err.Error(), "timeout after")
}

func TestKeyStability(t *testing.T) {
	k1 := Key("user:1", "m", "agent-turn", "p")
	k2 := Key("user:1", "m", "agent-turn", "p")
	k3 := Key("user:1", "m", "agent-turn", "q")
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestPerRouteConcurrencyCap(t *testing.T) {
	r, _ := newTestRunner(t, nil) // default concurrency 1
	route := "user:1001"

	running := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = r.Schedule(context.Background(), Request{
			Route: route, MsgID: "a", TaskKind: "k", PayloadSummary: "1",
			Body: func(context.Context) (string, error) {
				close(running)
				<-release
				return "", nil
			},
		})
	}()
	<-running

	done := make(chan struct{})
	go func() {
		_, _ = r.Schedule(context.Background(), Request{
			Route: route, MsgID: "b", TaskKind: "k", PayloadSummary: "2",
			Body: func(context.Context) (string, error) { return "", nil },
		})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second task ran before the first released the route slot")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second task never ran")
	}
}
