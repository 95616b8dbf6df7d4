// Package agent adapts the opaque conversational-agent runtime to the
// dispatch engine. The runtime itself is a collaborator, not part of the
// gateway: this adapter shells out to the configured agent command and
// hands its stdout back as the reply payload.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/dispatch"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/normalize"
)

// turnRequest is the JSON document piped to the agent command's stdin.
type turnRequest struct {
	Route      string   `json:"route"`
	AgentID    string   `json:"agentId"`
	SessionKey string   `json:"sessionKey"`
	Prompt     string   `json:"prompt"`
	MediaPaths []string `json:"mediaPaths,omitempty"`
	Source     string   `json:"source"`
}

// CommandRunner runs one agent turn per invocation of an external command.
// Cancellation kills the command's own process via the context; child
// processes it started are not signalled.
type CommandRunner struct {
	argv []string
	slog *slog.Logger
}

// NewCommandRunner returns a runner for argv (program + fixed args).
func NewCommandRunner(argv []string, slogger *slog.Logger) (*CommandRunner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent: empty agent command")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	return &CommandRunner{argv: argv, slog: slogger}, nil
}

// DispatchReply runs the agent command for one turn and delivers its stdout
// as a single reply payload. A non-zero exit is the turn's error.
func (r *CommandRunner) DispatchReply(ctx context.Context, opts dispatch.AgentRunOptions) error {
	req := turnRequest{
		Route:      opts.Route,
		AgentID:    opts.AgentID,
		SessionKey: opts.SessionKey,
		Prompt:     opts.Prompt,
		MediaPaths: opts.MediaPaths,
		Source:     opts.Source,
	}
	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("agent: marshal turn request: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.slog.Debug("agent turn start", "route", opts.Route, "agent_id", opts.AgentID)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("agent: command failed: %w: %s", err, firstLine(stderr.String()))
	}

	reply := strings.TrimSpace(stdout.String())
	if reply == "" {
		return nil
	}
	return opts.Deliver(normalize.ReplyPayload{Text: reply})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
