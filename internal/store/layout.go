// Package store defines the persisted data model and the
// on-disk layout under <workspace>/qq_sessions/<route-dir>/.
// It owns atomic JSON read/write and append helpers; callers above it
// (routestate, tasks, automation, nudge, diag) hold domain logic and use
// this package only for persistence primitives.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/routing"
)

// Layout resolves the on-disk paths for one route under a workspace root.
type Layout struct {
	root string
}

// NewLayout returns a Layout rooted at <workspace>/qq_sessions.
func NewLayout(workspaceRoot string) *Layout {
	return &Layout{root: filepath.Join(workspaceRoot, "qq_sessions")}
}

// RouteDir is the per-route directory, e.g. qq_sessions/user__111/. When
// that directory does not exist but a legacy one named by the unescaped
// route (e.g. qq_sessions/user:111/) does, the legacy directory is used.
func (l *Layout) RouteDir(route string) string {
	dir := filepath.Join(l.root, routing.RouteDir(route))
	if routing.IsValidQQRoute(route) {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			legacy := filepath.Join(l.root, route)
			if fi, err := os.Stat(legacy); err == nil && fi.IsDir() {
				return legacy
			}
		}
	}
	return dir
}

func (l *Layout) AgentMetaPath(route string) string    { return filepath.Join(l.RouteDir(route), "agent.json") }
func (l *Layout) ConvStatePath(route string) string     { return filepath.Join(l.RouteDir(route), "state.json") }
func (l *Layout) UsagePath(route string) string         { return filepath.Join(l.RouteDir(route), "usage.json") }
func (l *Layout) InFilesDir(route string) string        { return filepath.Join(l.RouteDir(route), "in", "files") }
func (l *Layout) OutFilesDir(route string) string       { return filepath.Join(l.RouteDir(route), "out", "files") }
func (l *Layout) LogsDir(route string) string           { return filepath.Join(l.RouteDir(route), "logs") }
func (l *Layout) MetaDir(route string) string           { return filepath.Join(l.RouteDir(route), "meta") }

func (l *Layout) TaskStatePath(route string) string { return filepath.Join(l.MetaDir(route), "task-state.json") }
func (l *Layout) TaskLifecyclePath(route string) string {
	return filepath.Join(l.MetaDir(route), "task-lifecycle.ndjson")
}
func (l *Layout) TaskRecordPath(route, taskKey string) string {
	return filepath.Join(l.MetaDir(route), fmt.Sprintf("task-%s.json", taskKey))
}
func (l *Layout) AutomationLatestPath(route string) string {
	return filepath.Join(l.MetaDir(route), "automation-latest.json")
}
func (l *Layout) AutomationStatePath(route string) string {
	return filepath.Join(l.MetaDir(route), "automation-state.ndjson")
}
func (l *Layout) ProactiveStatePath(route string) string {
	return filepath.Join(l.MetaDir(route), "proactive-state.json")
}

// EnsureRouteDirs creates every directory the route needs, idempotently.
func (l *Layout) EnsureRouteDirs(route string) error {
	for _, dir := range []string{
		l.InFilesDir(route),
		l.OutFilesDir(route),
		l.LogsDir(route),
		l.MetaDir(route),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("store: ensure dir %s: %w", dir, err)
		}
	}
	return nil
}

// WriteJSONAtomic marshals v and writes it to path via a temp-file-then-
// rename, so readers never observe a partial write.
func WriteJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// ReadJSON unmarshals path into v. A missing file is not an error; v is
// left unmodified and ok is false.
func ReadJSON(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: unmarshal %s: %w", path, err)
	}
	return true, nil
}

// AppendNDJSON appends one JSON-encoded line to path, creating it (and its
// directory) if needed. The file is opened in append mode so concurrent
// appenders from different routes never interleave a single line.
func AppendNDJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", path, err)
	}
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal ndjson line for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("store: append %s: %w", path, err)
	}
	return nil
}
