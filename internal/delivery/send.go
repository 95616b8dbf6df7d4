package delivery

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routing"
	"github.com/xingyingyuzhui/openclaw-QQ/pkg/onebot"
)

// SendSegments issues the route-appropriate send action for one outbound
// message body.
func SendSegments(ctx context.Context, conn Transport, route string, segs []onebot.OutSegment) error {
	t, ok := routing.ParseTarget(route)
	if !ok {
		return fmt.Errorf("delivery: invalid route %q", route)
	}
	var (
		action string
		params any
	)
	switch t.Kind {
	case routing.KindUser:
		id, _ := strconv.ParseInt(t.ID, 10, 64)
		action, params = onebot.ActionSendPrivateMsg, onebot.SendPrivateParams{UserID: id, Message: segs}
	case routing.KindGroup:
		id, _ := strconv.ParseInt(t.ID, 10, 64)
		action, params = onebot.ActionSendGroupMsg, onebot.SendGroupParams{GroupID: id, Message: segs}
	case routing.KindGuild:
		action, params = onebot.ActionSendGuildChannelMsg, onebot.SendGuildParams{GuildID: t.ID, ChannelID: t.ChannelID, Message: segs}
	}
	resp, err := conn.SendAction(ctx, action, params)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("delivery: %s failed: %s", action, resp.Msg)
	}
	return nil
}

// attemptTrace emits the prepared → queued → sending → terminal sequence for
// one delivery attempt, all under one attempt_id.
type attemptTrace struct {
	logger     *diag.Logger
	route      string
	dispatchID string
	attemptID  string
	action     string
}

func newAttemptTrace(logger *diag.Logger, route, dispatchID, action string) *attemptTrace {
	return &attemptTrace{
		logger:     logger,
		route:      route,
		dispatchID: dispatchID,
		attemptID:  uuid.NewString(),
		action:     action,
	}
}

func (t *attemptTrace) phase(phase string, extra func(*diag.Event)) {
	ev := diag.Event{
		EventName:  "qq_send_" + phase,
		Route:      t.route,
		DispatchID: t.dispatchID,
		AttemptID:  t.attemptID,
		Source:     diag.SourceChat,
		ResolveAction: t.action,
	}
	if extra != nil {
		extra(&ev)
	}
	t.logger.Trace(ev)
}

func (t *attemptTrace) prepared() { t.phase("prepared", nil) }
func (t *attemptTrace) queued()   { t.phase("queued", nil) }
func (t *attemptTrace) sending()  { t.phase("sending", nil) }
func (t *attemptTrace) sent()     { t.phase("sent", nil) }

func (t *attemptTrace) dropped(code string) {
	t.phase("dropped", func(ev *diag.Event) { ev.DropReason = code })
}

func (t *attemptTrace) failed(err error) {
	t.phase("failed", func(ev *diag.Event) { ev.Error = err.Error() })
}
