// Package tasks implements the heavy-task units: a
// per-route FIFO with a concurrency cap, retries, a runtime ceiling, and
// 24-hour idempotency, persisting every lifecycle transition.
package tasks

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

const idempotencyWindow = 24 * time.Hour

// Body is the task's work function. The returned summary lands in the
// lifecycle record.
type Body func(ctx context.Context) (resultSummary string, err error)

// Request describes one task to schedule.
type Request struct {
	Route          string
	MsgID          string
	DispatchID     string
	TaskKind       string
	PayloadSummary string
	Body           Body
	OnFailed       func(err error, status string) // status: failed|timeout
}

// Result is the outcome handed back to the dispatcher.
type Result struct {
	TaskKey       string
	Deduped       bool
	ResultSummary string
}

// Key computes the stable task key f(route, msgId, taskKind, payloadSummary).
func Key(route, msgID, taskKind, payloadSummary string) string {
	sum := sha1.Sum([]byte(route + "\x00" + msgID + "\x00" + taskKind + "\x00" + payloadSummary))
	return hex.EncodeToString(sum[:])
}

// Runner owns the per-route task queues.
type Runner struct {
	acct   *config.Account
	layout *store.Layout
	logger *diag.Logger

	mu        sync.Mutex
	sems      map[string]chan struct{} // per-route concurrency cap
	completed map[string]time.Time     // taskKey → completion, pruned lazily
}

// NewRunner returns a Runner for one account.
func NewRunner(acct *config.Account, layout *store.Layout, logger *diag.Logger) *Runner {
	return &Runner{
		acct:      acct,
		layout:    layout,
		logger:    logger,
		sems:      make(map[string]chan struct{}),
		completed: make(map[string]time.Time),
	}
}

func (r *Runner) sem(route string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sems[route]
	if !ok {
		s = make(chan struct{}, r.acct.TaskConcurrency())
		r.sems[route] = s
	}
	return s
}

// Schedule runs req under the task guardrails and blocks until it reaches a
// terminal state. An identical completed key within the idempotency window
// short-circuits with Deduped=true after persisting a replay-skipped
// lifecycle line.
func (r *Runner) Schedule(ctx context.Context, req Request) (*Result, error) {
	key := Key(req.Route, req.MsgID, req.TaskKind, req.PayloadSummary)

	if r.acct.TaskIdempotencyEnabled && r.wasCompleted(key) {
		r.persist(store.TaskRecord{
			TaskKey:        key,
			Route:          req.Route,
			MsgID:          req.MsgID,
			DispatchID:     req.DispatchID,
			TaskKind:       req.TaskKind,
			Status:         store.TaskSucceeded,
			ErrorReason:    "idempotent_replay_skipped",
			PayloadSummary: req.PayloadSummary,
			At:             time.Now(),
		})
		return &Result{TaskKey: key, Deduped: true}, nil
	}

	sem := r.sem(req.Route)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-sem }()

	rec := store.TaskRecord{
		TaskKey:        key,
		Route:          req.Route,
		MsgID:          req.MsgID,
		DispatchID:     req.DispatchID,
		TaskKind:       req.TaskKind,
		Status:         store.TaskQueued,
		PayloadSummary: req.PayloadSummary,
		At:             time.Now(),
	}
	r.persist(rec)

	rec.Status = store.TaskRunning
	rec.At = time.Now()
	r.persist(rec)

	maxRetries := r.acct.TaskRetries()
	runtime := r.acct.TaskMaxRuntime()

	var summary string
	var err error
	timedOut := false
	for attempt := 0; ; attempt++ {
		rec.RetryCount = attempt
		summary, err, timedOut = r.runOnce(ctx, req.Body, runtime)
		if err == nil {
			break
		}
		if timedOut || attempt >= maxRetries {
			break
		}
	}

	rec.At = time.Now()
	switch {
	case err == nil:
		rec.Status = store.TaskSucceeded
		rec.ResultSummary = summary
	case timedOut:
		rec.Status = store.TaskTimeout
		rec.ErrorReason = err.Error()
	default:
		rec.Status = store.TaskFailed
		rec.ErrorReason = err.Error()
	}
	r.persist(rec)

	if err != nil {
		if req.OnFailed != nil {
			req.OnFailed(err, rec.Status)
		}
		return &Result{TaskKey: key}, err
	}

	r.markCompleted(key)
	return &Result{TaskKey: key, ResultSummary: summary}, nil
}

// runOnce executes the body bounded by the runtime cap.
func (r *Runner) runOnce(ctx context.Context, body Body, runtime time.Duration) (summary string, err error, timedOut bool) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		summary string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, e := body(rctx)
		done <- outcome{s, e}
	}()

	select {
	case o := <-done:
		return o.summary, o.err, false
	case <-time.After(runtime):
		cancel()
		return "", fmt.Errorf("task timeout after %dms", runtime.Milliseconds()), true
	case <-ctx.Done():
		return "", ctx.Err(), false
	}
}

func (r *Runner) wasCompleted(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.completed[key]
	if !ok {
		return false
	}
	if time.Since(at) > idempotencyWindow {
		delete(r.completed, key)
		return false
	}
	return true
}

func (r *Runner) markCompleted(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[key] = time.Now()
	if len(r.completed) > 1024 {
		cutoff := time.Now().Add(-idempotencyWindow)
		for k, v := range r.completed {
			if v.Before(cutoff) {
				delete(r.completed, k)
			}
		}
	}
}

// persist writes the three lifecycle files atomically per step: the latest
// snapshot, the append-only ndjson, and the per-key record.
func (r *Runner) persist(rec store.TaskRecord) {
	if err := store.WriteJSONAtomic(r.layout.TaskStatePath(rec.Route), rec); err != nil {
		r.logger.Trace(diag.Event{EventName: "qq_task_persist_failed", Route: rec.Route, Error: err.Error()})
	}
	if err := store.AppendNDJSON(r.layout.TaskLifecyclePath(rec.Route), rec); err != nil {
		r.logger.Trace(diag.Event{EventName: "qq_task_persist_failed", Route: rec.Route, Error: err.Error()})
	}
	if err := store.WriteJSONAtomic(r.layout.TaskRecordPath(rec.Route, rec.TaskKey), rec); err != nil {
		r.logger.Trace(diag.Event{EventName: "qq_task_persist_failed", Route: rec.Route, Error: err.Error()})
	}
	r.logger.Trace(diag.Event{
		EventName:  "qq_task_" + rec.Status,
		Route:      rec.Route,
		MsgID:      rec.MsgID,
		DispatchID: rec.DispatchID,
		RetryCount: rec.RetryCount,
		Error:      rec.ErrorReason,
	})
}
