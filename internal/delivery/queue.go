// Package delivery implements the outbound pipeline:
// the process-wide rate-limited send queue, the per-call retry loop, the
// text sender with dedup and leak guards, and the multi-candidate media
// sender.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
	"github.com/xingyingyuzhui/openclaw-QQ/pkg/onebot"
)

// Transport is the slice of the protocol client the delivery pipeline needs.
type Transport interface {
	SendAction(ctx context.Context, action string, params any) (*onebot.ActionResponse, error)
	IsConnected() bool
	WaitUntilConnected(ctx context.Context, timeout time.Duration) bool
}

// DropError marks a send as dropped with a closed-set reason. Preflight
// hooks return it to gate late sends from superseded dispatches.
type DropError struct {
	Code store.ErrCode
}

func (e *DropError) Error() string { return string(e.Code) }

// Drop returns a DropError for code.
func Drop(code store.ErrCode) error { return &DropError{Code: code} }

// DropCode extracts the drop code from err, if err is a DropError.
func DropCode(err error) (store.ErrCode, bool) {
	var de *DropError
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

// SendTask is one opaque unit of outbound work. Do runs the actual send
// (typically a sendWithRetry loop); Preflight runs before each queue-level
// execution and may drop the task without consuming a requeue.
type SendTask struct {
	Route         string
	DispatchID    string
	AttemptID     string
	Action        string
	MediaDedupKey string
	Preflight     func() error
	Do            func(ctx context.Context) error

	requeueLeft int
	result      chan error
}

const mediaDedupWindow = 45 * time.Second

// Queue is the process-wide FIFO send queue with rate pacing.
type Queue struct {
	acct   *config.Account
	conn   Transport
	logger *diag.Logger

	limiter *rate.Limiter

	mu    sync.Mutex
	cond  *sync.Cond
	fifo  []*SendTask
	stopd bool

	mediaMu       sync.Mutex
	mediaAttempts map[string]time.Time
}

// NewQueue returns an unstarted Queue for one account's transport.
func NewQueue(acct *config.Account, conn Transport, logger *diag.Logger) *Queue {
	base := acct.SendQueueBaseDelay()
	if rl := time.Duration(acct.RateLimitMs) * time.Millisecond; rl > base {
		base = rl
	}
	q := &Queue{
		acct:          acct,
		conn:          conn,
		logger:        logger,
		limiter:       rate.NewLimiter(rate.Every(base), 1),
		mediaAttempts: make(map[string]time.Time),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit enqueues task and returns a channel that yields its terminal error
// (nil on success). The channel fires exactly once.
func (q *Queue) Submit(task *SendTask) <-chan error {
	task.result = make(chan error, 1)
	task.requeueLeft = q.acct.QueueRetries()
	q.push(task)
	return task.result
}

func (q *Queue) push(task *SendTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifo = append(q.fifo, task)
	q.cond.Signal()
}

func (q *Queue) pop(ctx context.Context) *SendTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.fifo) == 0 && !q.stopd {
		q.cond.Wait()
		if ctx.Err() != nil {
			return nil
		}
	}
	if q.stopd {
		return nil
	}
	t := q.fifo[0]
	q.fifo = q.fifo[1:]
	return t
}

// Run drains the queue until ctx is cancelled. One worker: the queue is a
// global FIFO and the pacing below is the only send-rate control in the
// process.
func (q *Queue) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.stopd = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}()

	for {
		task := q.pop(ctx)
		if task == nil {
			return
		}
		q.runTask(ctx, task)

		// Rate pacing: base delay (limiter) plus jitter.
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
		if j := q.acct.SendQueueJitter(); j > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(rand.Int63n(int64(j)))):
			}
		}
	}
}

func (q *Queue) runTask(ctx context.Context, task *SendTask) {
	if task.Preflight != nil {
		if err := task.Preflight(); err != nil {
			q.finish(task, err)
			return
		}
	}

	err := task.Do(ctx)
	if err == nil {
		q.finish(task, nil)
		return
	}
	if _, dropped := DropCode(err); dropped {
		q.finish(task, err)
		return
	}

	if Retriable(err) && task.requeueLeft > 0 {
		task.requeueLeft--
		q.logger.Trace(diag.Event{
			EventName:  "qq_send_requeue",
			Route:      task.Route,
			DispatchID: task.DispatchID,
			AttemptID:  task.AttemptID,
			RetryCount: task.requeueLeft,
			Error:      err.Error(),
		})
		go func() {
			select {
			case <-ctx.Done():
				q.finish(task, ctx.Err())
			case <-time.After(q.acct.SendWaitForReconnect()):
				q.push(task)
			}
		}()
		return
	}

	// Terminal: hand the error to the caller and drop the task.
	q.logger.Trace(diag.Event{
		EventName:  "qq_send_failed",
		Route:      task.Route,
		DispatchID: task.DispatchID,
		AttemptID:  task.AttemptID,
		Error:      err.Error(),
	})
	q.finish(task, err)
}

func (q *Queue) finish(task *SendTask, err error) {
	select {
	case task.result <- err:
	default:
	}
}

// retriableMarkers are the transient transport failures the queue requeues on.
var retriableMarkers = []string{
	"websocket",
	"not open",
	"request-timeout",
	"econnreset",
	"connection reset",
	"hangup",
	"broken pipe",
	"temporarily unavailable",
	"timed out",
	"timeout",
	string(store.ErrTransportUnavailable),
}

// Retriable reports whether err looks like a transient transport failure.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retriableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// CalcRetryDelay computes the backoff before retry number attempt (1-based):
// clamp(min * 2^(attempt-1), min, max) ± jitterRatio.
func CalcRetryDelay(attempt int, min, max time.Duration, jitterRatio float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := min << (attempt - 1)
	if d < min || d > max { // shift overflow also lands here
		if d < min {
			d = min
		} else {
			d = max
		}
	}
	if jitterRatio > 0 {
		span := float64(d) * jitterRatio
		d += time.Duration((rand.Float64()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// SendWithRetry runs attempt once and then retries it up to the account's
// sendQueueMaxRetries times, with backoff between tries. Each try re-runs preflight (a DropError there
// abandons the send without consuming a retry) and waits for the socket.
// A mediaDedupKey suppresses retries whose key was already attempted within
// the dedup window; the first attempt seeds it.
func (q *Queue) SendWithRetry(ctx context.Context, task *SendTask, attempt func(ctx context.Context) error) error {
	maxRetries := q.acct.QueueRetries()

	for try := 1; ; try++ {
		if task.Preflight != nil {
			if err := task.Preflight(); err != nil {
				return err
			}
		}
		if !q.conn.IsConnected() && !q.conn.WaitUntilConnected(ctx, q.acct.SendWaitForReconnect()) {
			return fmt.Errorf("delivery: %w", errTransportUnavailable)
		}

		if task.MediaDedupKey != "" {
			if try > 1 && q.mediaAlreadyAttempted(task.MediaDedupKey) {
				return Drop(store.ErrDuplicatePayload)
			}
			q.seedMediaAttempt(task.MediaDedupKey)
		}

		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if _, dropped := DropCode(err); dropped {
			return err
		}
		if try > maxRetries || !Retriable(err) {
			return err
		}
		delay := CalcRetryDelay(try, q.acct.SendRetryMinDelay(), q.acct.SendRetryMaxDelay(), q.acct.RetryJitterRatio())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

var errTransportUnavailable = errors.New(string(store.ErrTransportUnavailable))

func (q *Queue) mediaAlreadyAttempted(key string) bool {
	q.mediaMu.Lock()
	defer q.mediaMu.Unlock()
	at, ok := q.mediaAttempts[key]
	if !ok {
		return false
	}
	if time.Since(at) > mediaDedupWindow {
		delete(q.mediaAttempts, key)
		return false
	}
	return true
}

func (q *Queue) seedMediaAttempt(key string) {
	q.mediaMu.Lock()
	defer q.mediaMu.Unlock()
	q.mediaAttempts[key] = time.Now()
	// Opportunistic prune so the map stays bounded.
	if len(q.mediaAttempts) > 256 {
		cutoff := time.Now().Add(-mediaDedupWindow)
		for k, v := range q.mediaAttempts {
			if v.Before(cutoff) {
				delete(q.mediaAttempts, k)
			}
		}
	}
}
