// Package protocol implements the OneBot v11 client: a
// single persistent bidirectional WebSocket with reconnect, heartbeat
// probing, and echo-matched action request/response.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/xingyingyuzhui/openclaw-QQ/pkg/onebot"
)

const (
	actionTimeout     = 5 * time.Second
	softHeartbeat     = 90 * time.Second
	hardHeartbeat     = 150 * time.Second
	reconnectBaseWait = time.Second
	reconnectMaxWait  = 60 * time.Second
	eventBufferSize   = 64
)

// ErrTransportUnavailable is returned when a send is attempted while the
// socket is disconnected and reconnect does not complete within the grace
// window.
var ErrTransportUnavailable = errors.New("transport_unavailable")

// Client is the persistent OneBot socket client.
type Client struct {
	wsURL       string
	accessToken string
	logger      *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	connCond  *sync.Cond
	pending   map[string]chan *onebot.ActionResponse

	selfID atomic.Int64

	lastServerMsg atomic.Int64 // unix nano of last frame from server

	eventCh chan *onebot.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an unstarted Client.
func New(wsURL, accessToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		wsURL:       wsURL,
		accessToken: accessToken,
		logger:      logger,
		pending:     make(map[string]chan *onebot.ActionResponse),
		eventCh:     make(chan *onebot.Event, eventBufferSize),
	}
	c.connCond = sync.NewCond(&c.mu)
	return c
}

// Events returns the inbound message-event stream.
func (c *Client) Events() <-chan *onebot.Event { return c.eventCh }

// SelfID returns the authenticated account's own user id, once known.
// Used to filter self-echo events.
func (c *Client) SelfID() int64 { return c.selfID.Load() }

// IsConnected reports whether the socket is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WaitUntilConnected blocks until the socket is up or the timeout elapses.
func (c *Client) WaitUntilConnected(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.connected {
		if ctx.Err() != nil || time.Now().After(deadline) {
			return false
		}
		// Cond has no deadline; poll in short slices so the timeout holds.
		c.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		c.mu.Lock()
	}
	return true
}

// Start connects and begins the read and heartbeat loops. It returns after
// the first connection attempt is scheduled; reconnects happen internally
// with exponential backoff capped at reconnectMaxWait, the attempt counter
// resetting on every successful connect.
func (c *Client) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(2)
	go c.connectLoop(cctx)
	go c.heartbeatLoop(cctx)
}

// Stop closes the socket and stops all loops.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			wait := reconnectBaseWait << min(attempt, 6)
			if wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			c.logger.Warn("onebot connect failed", "attempt", attempt, "wait", wait, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		c.lastServerMsg.Store(time.Now().UnixNano())
		c.logger.Info("onebot connected", "url", c.wsURL)

		c.probeLoginInfo(ctx)
		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.failPendingLocked()
		c.mu.Unlock()
		c.logger.Warn("onebot disconnected")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	if c.accessToken != "" {
		h.Set("Authorization", "Bearer "+c.accessToken)
	}
	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.wsURL, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("protocol: ws dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)
	return conn, nil
}

// probeLoginInfo learns the account's own identity right after connect so
// self-echo events can be filtered.
func (c *Client) probeLoginInfo(ctx context.Context) {
	go func() {
		resp, err := c.SendAction(ctx, onebot.ActionGetLoginInfo, nil)
		if err != nil || !resp.OK() {
			return
		}
		var info onebot.LoginInfo
		if json.Unmarshal(resp.Data, &info) == nil && info.UserID != 0 {
			c.selfID.Store(info.UserID)
			c.logger.Info("onebot identity", "self_id", info.UserID, "nickname", info.Nickname)
		}
	}()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		c.lastServerMsg.Store(time.Now().UnixNano())
		c.handleFrame(data)
	}
}

// handleFrame routes one inbound frame: action responses are echo-matched
// back to their waiters, events go to the event channel. Non-JSON frames
// are silently dropped.
func (c *Client) handleFrame(data []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	if probe.Echo != "" {
		var resp onebot.ActionResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.Echo]
		if ok {
			delete(c.pending, resp.Echo)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
		return
	}

	if probe.PostType == "" {
		return
	}
	var ev onebot.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	if ev.SelfID != 0 && c.selfID.Load() == 0 {
		c.selfID.Store(ev.SelfID)
	}
	select {
	case c.eventCh <- &ev:
	default:
		c.logger.Warn("onebot event buffer full, dropping", "post_type", ev.PostType)
	}
}

// SendAction sends an {action, params, echo} request and waits for the
// echo-matched response, bounded by the 5 s action timeout.
func (c *Client) SendAction(ctx context.Context, action string, params any) (*onebot.ActionResponse, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal params for %s: %w", action, err)
		}
		raw = b
	}
	echo := uuid.NewString()
	req := onebot.ActionRequest{Action: action, Params: raw, Echo: echo}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", action, err)
	}

	ch := make(chan *onebot.ActionResponse, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil || !c.connected {
		c.mu.Unlock()
		return nil, ErrTransportUnavailable
	}
	c.pending[echo] = ch
	c.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
		return nil, fmt.Errorf("protocol: write %s: %w", action, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-wctx.Done():
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
		return nil, fmt.Errorf("protocol: %s: echo timeout after %s", action, actionTimeout)
	}
}

// failPendingLocked rejects every in-flight action waiter on disconnect.
// Callers hold c.mu.
func (c *Client) failPendingLocked() {
	for echo, ch := range c.pending {
		delete(c.pending, echo)
		ch <- &onebot.ActionResponse{Status: onebot.StatusFailed, Msg: "transport_unavailable", Echo: echo}
	}
}

// heartbeatLoop enforces the two-stage heartbeat: after
// softHeartbeat without any server frame it fires a get_login_info probe
// (any reply counts as liveness — the probe may race an ordinary server
// message, which is fine); after hardHeartbeat it force-closes the socket
// so connectLoop reconnects.
func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	probing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.IsConnected() {
			probing = false
			continue
		}
		idle := time.Since(time.Unix(0, c.lastServerMsg.Load()))
		switch {
		case idle >= hardHeartbeat:
			c.logger.Warn("onebot heartbeat hard timeout, forcing reconnect", "idle", idle)
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			}
			c.mu.Unlock()
			probing = false
		case idle >= softHeartbeat && !probing:
			probing = true
			go func() {
				if _, err := c.SendAction(ctx, onebot.ActionGetLoginInfo, nil); err != nil {
					c.logger.Warn("onebot heartbeat probe failed", "err", err)
				}
			}()
		case idle < softHeartbeat:
			probing = false
		}
	}
}
